// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/emberchat/ember/permission"
	"github.com/emberchat/ember/protocol"
)

// Request/reply subjects served by the platform API.
const (
	subjectSnapshots    = "ember.directory.snapshots"
	subjectSnapshot     = "ember.directory.snapshot"
	subjectVisibleUsers = "ember.directory.visible"
)

// requester is the slice of *nats.Conn the directory client uses.
// Tests substitute a canned implementation.
type requester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// NATSDirectory resolves memberships over NATS request/reply. Requests
// and replies are JSON; a reply carries either the result or an error
// string.
type NATSDirectory struct {
	conn requester
}

// NewNATSDirectory wraps an established NATS connection.
func NewNATSDirectory(conn *nats.Conn) *NATSDirectory {
	return &NATSDirectory{conn: conn}
}

type directoryRequest struct {
	User   protocol.UserID `json:"user"`
	Server string          `json:"server,omitempty"`
}

type directoryReply struct {
	Error     string                `json:"error,omitempty"`
	Snapshots []permission.Snapshot `json:"snapshots,omitempty"`
	Users     []protocol.UserID     `json:"users,omitempty"`
}

// Error strings the platform API uses in replies.
const replyErrNotMember = "not_member"

// request performs one round trip and decodes the reply.
func (d *NATSDirectory) request(ctx context.Context, subject string, req directoryRequest) (directoryReply, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return directoryReply{}, fmt.Errorf("encoding directory request: %w", err)
	}
	msg, err := d.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return directoryReply{}, fmt.Errorf("directory request on %s: %w", subject, err)
	}
	var reply directoryReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return directoryReply{}, fmt.Errorf("decoding directory reply from %s: %w", subject, err)
	}
	if reply.Error == replyErrNotMember {
		return directoryReply{}, fmt.Errorf("%s, server %s: %w", req.User, req.Server, ErrNotMember)
	}
	if reply.Error != "" {
		return directoryReply{}, fmt.Errorf("directory reply from %s: %s", subject, reply.Error)
	}
	return reply, nil
}

func (d *NATSDirectory) Snapshots(ctx context.Context, user protocol.UserID) ([]permission.Snapshot, error) {
	reply, err := d.request(ctx, subjectSnapshots, directoryRequest{User: user})
	if err != nil {
		return nil, err
	}
	return reply.Snapshots, nil
}

func (d *NATSDirectory) Snapshot(ctx context.Context, user protocol.UserID, server string) (permission.Snapshot, error) {
	reply, err := d.request(ctx, subjectSnapshot, directoryRequest{User: user, Server: server})
	if err != nil {
		return permission.Snapshot{}, err
	}
	if len(reply.Snapshots) == 0 {
		return permission.Snapshot{}, fmt.Errorf("%s, server %s: %w", user, server, ErrNotMember)
	}
	return reply.Snapshots[0], nil
}

func (d *NATSDirectory) VisibleUsers(ctx context.Context, user protocol.UserID) ([]protocol.UserID, error) {
	reply, err := d.request(ctx, subjectVisibleUsers, directoryRequest{User: user})
	if err != nil {
		return nil, err
	}
	return reply.Users, nil
}
