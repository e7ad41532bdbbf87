// Copyright 2026 The Ember Authors
// SPDX-License-Identifier: Apache-2.0

package directory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/emberchat/ember/permission"
	"github.com/emberchat/ember/protocol"
)

// cannedRequester answers directory requests from a fixture table,
// keyed by subject.
type cannedRequester struct {
	t       *testing.T
	replies map[string]directoryReply
	lastReq directoryRequest
}

func (c *cannedRequester) RequestWithContext(_ context.Context, subject string, data []byte) (*nats.Msg, error) {
	c.t.Helper()
	if err := json.Unmarshal(data, &c.lastReq); err != nil {
		c.t.Fatalf("malformed request on %s: %v", subject, err)
	}
	reply, ok := c.replies[subject]
	if !ok {
		c.t.Fatalf("unexpected subject %s", subject)
	}
	encoded, err := json.Marshal(reply)
	if err != nil {
		c.t.Fatalf("encoding canned reply: %v", err)
	}
	return &nats.Msg{Subject: subject, Data: encoded}, nil
}

func TestNATSDirectorySnapshots(t *testing.T) {
	want := permission.Snapshot{
		User:        "alice",
		Server:      "srv",
		ServerAllow: permission.ViewServer | permission.ViewChannel,
		Channels:    map[string]permission.Override{"general": {}},
	}
	requester := &cannedRequester{t: t, replies: map[string]directoryReply{
		subjectSnapshots: {Snapshots: []permission.Snapshot{want}},
	}}
	dir := &NATSDirectory{conn: requester}

	snaps, err := dir.Snapshots(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(snaps) != 1 || snaps[0].Server != "srv" || snaps[0].ServerAllow != want.ServerAllow {
		t.Fatalf("snapshots = %+v", snaps)
	}
	if requester.lastReq.User != "alice" {
		t.Fatalf("request user = %q", requester.lastReq.User)
	}
}

func TestNATSDirectorySnapshotNotMember(t *testing.T) {
	requester := &cannedRequester{t: t, replies: map[string]directoryReply{
		subjectSnapshot: {Error: replyErrNotMember},
	}}
	dir := &NATSDirectory{conn: requester}

	_, err := dir.Snapshot(context.Background(), "alice", "srv")
	if !errors.Is(err, ErrNotMember) {
		t.Fatalf("err = %v, want ErrNotMember", err)
	}
	if requester.lastReq.Server != "srv" {
		t.Fatalf("request server = %q", requester.lastReq.Server)
	}
}

func TestNATSDirectoryVisibleUsers(t *testing.T) {
	requester := &cannedRequester{t: t, replies: map[string]directoryReply{
		subjectVisibleUsers: {Users: []protocol.UserID{"bob", "carol"}},
	}}
	dir := &NATSDirectory{conn: requester}

	users, err := dir.VisibleUsers(context.Background(), "alice")
	if err != nil {
		t.Fatalf("VisibleUsers: %v", err)
	}
	if len(users) != 2 || users[0] != "bob" {
		t.Fatalf("users = %v", users)
	}
}

func TestNATSDirectoryReplyError(t *testing.T) {
	requester := &cannedRequester{t: t, replies: map[string]directoryReply{
		subjectSnapshots: {Error: "backend unavailable"},
	}}
	dir := &NATSDirectory{conn: requester}

	_, err := dir.Snapshots(context.Background(), "alice")
	if err == nil || errors.Is(err, ErrNotMember) {
		t.Fatalf("err = %v, want generic reply error", err)
	}
}

func TestStaticDirectory(t *testing.T) {
	dir := NewStatic()
	dir.AddSnapshot(permission.Snapshot{User: "alice", Server: "srv", ServerAllow: permission.ViewServer})
	dir.SetVisible("alice", "bob")

	snap, err := dir.Snapshot(context.Background(), "alice", "srv")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.ServerBits().Has(permission.ViewServer) {
		t.Fatalf("snapshot = %+v", snap)
	}

	if _, err := dir.Snapshot(context.Background(), "alice", "other"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("err = %v, want ErrNotMember", err)
	}

	dir.RemoveSnapshot("alice", "srv")
	if _, err := dir.Snapshot(context.Background(), "alice", "srv"); !errors.Is(err, ErrNotMember) {
		t.Fatalf("err after removal = %v, want ErrNotMember", err)
	}

	users, err := dir.VisibleUsers(context.Background(), "alice")
	if err != nil || len(users) != 1 || users[0] != "bob" {
		t.Fatalf("visible = %v, %v", users, err)
	}
}

func TestStaticAuthenticator(t *testing.T) {
	auth := NewStaticAuthenticator(map[string]protocol.UserID{"tok-1": "alice"})

	user, err := auth.Authenticate(context.Background(), "tok-1")
	if err != nil || user != "alice" {
		t.Fatalf("Authenticate = %q, %v", user, err)
	}

	if _, err := auth.Authenticate(context.Background(), "bogus"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}

	auth.Revoke("tok-1")
	if _, err := auth.Authenticate(context.Background(), "tok-1"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err after revoke = %v, want ErrInvalidToken", err)
	}
}

func TestTokenKeyStable(t *testing.T) {
	a, b := tokenKey("secret"), tokenKey("secret")
	if a != b {
		t.Fatalf("tokenKey not deterministic: %s vs %s", a, b)
	}
	if tokenKey("other") == a {
		t.Fatal("distinct tokens collided")
	}
	// The raw token must never appear in the key.
	if len(a) != len("ember:auth:session:")+64 {
		t.Fatalf("unexpected key shape: %s", a)
	}
}
