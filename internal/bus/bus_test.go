package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-lipsync/internal/config"
	"github.com/loqalabs/loqa-lipsync/internal/natsserver"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startClient(t *testing.T) *Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := Connect(context.Background(), "lipsync-test", config.BusConfig{
		Servers:        []string{srv.ClientURL()},
		ConnectTimeout: 2000,
	}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestConnectRequiresServers(t *testing.T) {
	if _, err := Connect(context.Background(), "x", config.BusConfig{}, newLogger()); err == nil {
		t.Fatalf("expected error without servers")
	}
}

func TestConnectHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Connect(ctx, "x", config.BusConfig{Servers: []string{"nats://127.0.0.1:1"}}, newLogger())
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestQueueRequestRoundTrip(t *testing.T) {
	client := startClient(t)
	type status struct {
		JobID string `json:"job_id"`
	}

	events, err := client.Conn().SubscribeSync("lipsync.test.status")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, err = client.QueueSubscribe("lipsync.test.generate", "workers", func(msg *nats.Msg) {
		var in status
		_ = json.Unmarshal(msg.Data, &in)
		_ = client.PublishJSON("lipsync.test.status", in)
		if err := RespondJSON(msg, status{JobID: in.JobID + "-done"}); err != nil {
			t.Errorf("respond: %v", err)
		}
	})
	if err != nil {
		t.Fatalf("queue subscribe: %v", err)
	}

	reply, err := client.Conn().Request("lipsync.test.generate", []byte(`{"job_id":"j1"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var got status
	if err := json.Unmarshal(reply.Data, &got); err != nil || got.JobID != "j1-done" {
		t.Fatalf("unexpected reply %s (%v)", reply.Data, err)
	}
	evt, err := events.NextMsg(2 * time.Second)
	if err != nil {
		t.Fatalf("status event: %v", err)
	}
	if err := json.Unmarshal(evt.Data, &got); err != nil || got.JobID != "j1" {
		t.Fatalf("unexpected status %s (%v)", evt.Data, err)
	}
}

func TestRespondJSONWithoutInbox(t *testing.T) {
	if err := RespondJSON(&nats.Msg{Subject: "x"}, map[string]string{"a": "b"}); err != nil {
		t.Fatalf("messages without a reply inbox should be skipped, got %v", err)
	}
}

func TestPublishVideo(t *testing.T) {
	client := startClient(t)
	if !client.Healthy() {
		t.Fatalf("client should be connected")
	}
	bucket, err := client.OpenVideoBucket("lipsync-videos")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}

	payload := bytes.Repeat([]byte{0x42}, 300_000)
	path := filepath.Join(t.TempDir(), "abc.mp4")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := bucket.PublishVideo(context.Background(), "abc.mp4", path); err != nil {
		t.Fatalf("publish: %v", err)
	}
	info, err := bucket.Info("abc.mp4")
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if info.Size != uint64(len(payload)) {
		t.Fatalf("stored %d bytes, want %d", info.Size, len(payload))
	}

	again, err := client.OpenVideoBucket("lipsync-videos")
	if err != nil {
		t.Fatalf("reopen bucket: %v", err)
	}
	if _, err := again.Info("abc.mp4"); err != nil {
		t.Fatalf("reopened bucket should see the object: %v", err)
	}
}

func TestPublishVideoMissingFile(t *testing.T) {
	client := startClient(t)
	bucket, err := client.OpenVideoBucket("lipsync-videos")
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	if err := bucket.PublishVideo(context.Background(), "x.mp4", filepath.Join(t.TempDir(), "x.mp4")); !os.IsNotExist(err) {
		t.Fatalf("expected not exist error, got %v", err)
	}
}
