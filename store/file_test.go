package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestFileStore(t *testing.T) (*FileStore, string) {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "filestore-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	s, err := NewFileStore(tmpDir, FileStoreOptions{})
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s, tmpDir
}

func reopenFileStore(t *testing.T, dir string) *FileStore {
	t.Helper()
	s, err := NewFileStore(dir, FileStoreOptions{})
	if err != nil {
		t.Fatalf("reopen FileStore: %v", err)
	}
	return s
}

func TestFileStore_CreateAndRead(t *testing.T) {
	ctx := context.Background()
	s, tmpDir := newTestFileStore(t)
	defer s.Close()

	res, err := s.Create(ctx, "/logs/app-1", CreateOptions{
		ContentType: "text/plain",
		Data:        []byte("hello"),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !res.Created || !res.NextOffset.Equal(Offset{Seq: 1, Pos: 5}) {
		t.Errorf("create result: %+v", res)
	}

	read, err := s.Read(ctx, "/logs/app-1", ZeroOffset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(read.Messages) != 1 || string(read.Messages[0].Data) != "hello" {
		t.Errorf("read: %+v", read.Messages)
	}
	if !read.UpToDate {
		t.Error("snapshot read should be up to date")
	}

	// The log on disk holds exactly the stream's bytes, under the
	// encoded path.
	logPath := filepath.Join(tmpDir, "streams", EncodePath("/logs/app-1"), "data.log")
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("log contents = %q", data)
	}
}

func TestFileStore_AppendAndTailRead(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFileStore(t)
	defer s.Close()

	created, err := s.Create(ctx, "/logs", CreateOptions{ContentType: "text/plain", Data: []byte("hello")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	appended, err := s.Append(ctx, "/logs", []byte(" world"), AppendOptions{})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !appended.NextOffset.Equal(Offset{Seq: 2, Pos: 11}) {
		t.Errorf("NextOffset = %s", appended.NextOffset)
	}

	tail, err := s.Read(ctx, "/logs", created.NextOffset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(tail.Messages) != 1 || string(tail.Messages[0].Data) != " world" {
		t.Errorf("tail read: %+v", tail.Messages)
	}
	if !tail.Messages[0].Offset.Equal(created.NextOffset) {
		t.Errorf("message offset = %s", tail.Messages[0].Offset)
	}

	atTail, err := s.Read(ctx, "/logs", appended.NextOffset)
	if err != nil {
		t.Fatalf("Read at tail: %v", err)
	}
	if len(atTail.Messages) != 0 || !atTail.UpToDate {
		t.Errorf("read at tail: %+v", atTail)
	}
}

func TestFileStore_JSONStream(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFileStore(t)
	defer s.Close()

	if _, err := s.Create(ctx, "/events", CreateOptions{
		ContentType: "application/json",
		Data:        []byte(`[{"a":1}]`),
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Append(ctx, "/events", []byte(`{"b":2}`), AppendOptions{}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	read, err := s.Read(ctx, "/events", ZeroOffset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if body := s.FormatResponse(ctx, "/events", read.Messages); string(body) != `[{"a":1},{"b":2}]` {
		t.Errorf("formatted body = %q", body)
	}

	if _, err := s.Append(ctx, "/events", []byte(`not json`), AppendOptions{}); !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("malformed append: got %v", err)
	}
}

func TestFileStore_Persistence(t *testing.T) {
	ctx := context.Background()
	s, tmpDir := newTestFileStore(t)

	if _, err := s.Create(ctx, "/logs", CreateOptions{ContentType: "text/plain", Data: []byte("hello")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Append(ctx, "/logs", []byte(" world"), AppendOptions{Seq: "00000002"}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = reopenFileStore(t, tmpDir)
	defer s.Close()

	if got := s.Recovered(); got.Streams != 1 || got.Truncated != 0 || got.Orphans != 0 {
		t.Errorf("recovery stats: %+v", got)
	}

	read, err := s.Read(ctx, "/logs", ZeroOffset)
	if err != nil {
		t.Fatalf("Read after reopen: %v", err)
	}
	if len(read.Messages) != 1 || string(read.Messages[0].Data) != "hello world" {
		t.Errorf("read after reopen: %+v", read.Messages)
	}
	if !read.NextOffset.Equal(Offset{Seq: 2, Pos: 11}) {
		t.Errorf("NextOffset after reopen = %s", read.NextOffset)
	}

	// The last accepted seq survives the restart too.
	if _, err := s.Append(ctx, "/logs", []byte("x"), AppendOptions{Seq: "00000001"}); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("stale seq after reopen: got %v", err)
	}
}

func TestFileStore_RecoveryTruncatesPartialAppend(t *testing.T) {
	ctx := context.Background()
	s, tmpDir := newTestFileStore(t)

	if _, err := s.Create(ctx, "/logs", CreateOptions{ContentType: "text/plain", Data: []byte("hello")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	logPath := s.dataPathFor("/logs")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate an append that died after the data write but before the
	// metadata commit.
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := f.Write([]byte("JUNK")); err != nil {
		t.Fatalf("write junk: %v", err)
	}
	f.Close()

	s = reopenFileStore(t, tmpDir)
	defer s.Close()

	if got := s.Recovered(); got.Truncated != 1 {
		t.Errorf("recovery stats: %+v", got)
	}
	read, err := s.Read(ctx, "/logs", ZeroOffset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(read.Messages) != 1 || string(read.Messages[0].Data) != "hello" {
		t.Errorf("uncommitted bytes leaked into a read: %+v", read.Messages)
	}
	fi, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size() != 5 {
		t.Errorf("log size after recovery = %d, want 5", fi.Size())
	}
}

func TestFileStore_RecoveryDropsMissingLog(t *testing.T) {
	ctx := context.Background()
	s, tmpDir := newTestFileStore(t)

	if _, err := s.Create(ctx, "/logs", CreateOptions{ContentType: "text/plain", Data: []byte("hello")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	dir := s.dirFor("/logs")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	s = reopenFileStore(t, tmpDir)
	defer s.Close()

	if got := s.Recovered(); got.Streams != 0 || got.Orphans != 1 {
		t.Errorf("recovery stats: %+v", got)
	}
	if _, err := s.Read(ctx, "/logs", ZeroOffset); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Read: got %v, want ErrStreamNotFound", err)
	}
}

func TestFileStore_RecoveryRecreatesEmptyStream(t *testing.T) {
	ctx := context.Background()
	s, tmpDir := newTestFileStore(t)

	if _, err := s.Create(ctx, "/empty", CreateOptions{ContentType: "application/json"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	dir := s.dirFor("/empty")
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}

	// A stream with no committed bytes lost nothing with its log, so
	// recovery rebuilds the empty log instead of dropping the stream.
	s = reopenFileStore(t, tmpDir)
	defer s.Close()

	if got := s.Recovered(); got.Streams != 1 || got.Orphans != 0 {
		t.Errorf("recovery stats: %+v", got)
	}
	if !s.Has(ctx, "/empty") {
		t.Error("empty stream should survive recovery")
	}
	if _, err := s.Append(ctx, "/empty", []byte(`{"a":1}`), AppendOptions{}); err != nil {
		t.Errorf("Append after recovery: %v", err)
	}
}

func TestFileStore_RecoverySweepsOrphanDirs(t *testing.T) {
	s, tmpDir := newTestFileStore(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	orphan := filepath.Join(tmpDir, "streams", "bm90LWEtc3RyZWFt")
	if err := os.MkdirAll(orphan, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(orphan, "data.log"), []byte("stray"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	s = reopenFileStore(t, tmpDir)
	defer s.Close()

	if got := s.Recovered(); got.Orphans != 1 {
		t.Errorf("recovery stats: %+v", got)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("orphan directory survived the sweep: %v", err)
	}
}

func TestFileStore_Delete(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFileStore(t)
	defer s.Close()

	if _, err := s.Create(ctx, "/logs", CreateOptions{ContentType: "text/plain", Data: []byte("x")}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	dir := s.dirFor("/logs")

	if err := s.Delete(ctx, "/logs"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("stream directory still present: %v", err)
	}
	if _, err := s.Read(ctx, "/logs", ZeroOffset); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("Read after delete: got %v", err)
	}
	if err := s.Delete(ctx, "/logs"); !errors.Is(err, ErrStreamNotFound) {
		t.Errorf("repeat Delete: got %v", err)
	}

	// A fresh create reuses the path from scratch.
	res, err := s.Create(ctx, "/logs", CreateOptions{ContentType: "text/plain", Data: []byte("new")})
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if !res.Created || !res.NextOffset.Equal(Offset{Seq: 1, Pos: 3}) {
		t.Errorf("recreate result: %+v", res)
	}
}

func TestFileStore_WaitForDataWake(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFileStore(t)
	defer s.Close()

	created, err := s.Create(ctx, "/logs", CreateOptions{ContentType: "text/plain", Data: []byte("x")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	type outcome struct {
		res WaitResult
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := s.WaitForData(ctx, "/logs", created.NextOffset, 5*time.Second)
		ch <- outcome{res, err}
	}()

	time.Sleep(50 * time.Millisecond)
	if _, err := s.Append(ctx, "/logs", []byte("y"), AppendOptions{}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	out := <-ch
	if out.err != nil {
		t.Fatalf("WaitForData: %v", out.err)
	}
	if len(out.res.Messages) != 1 || string(out.res.Messages[0].Data) != "y" {
		t.Errorf("woken waiter messages: %+v", out.res.Messages)
	}
}

func TestFileStore_WaitForDataImmediate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFileStore(t)
	defer s.Close()

	if _, err := s.Create(ctx, "/logs", CreateOptions{ContentType: "text/plain", Data: []byte("hello")}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := s.WaitForData(ctx, "/logs", ZeroOffset, time.Second)
	if err != nil {
		t.Fatalf("WaitForData: %v", err)
	}
	if len(res.Messages) != 1 || string(res.Messages[0].Data) != "hello" {
		t.Errorf("immediate wait: %+v", res.Messages)
	}
}

func TestFileStore_IdempotentCreate(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestFileStore(t)
	defer s.Close()

	first, err := s.Create(ctx, "/logs", CreateOptions{ContentType: "text/plain", Data: []byte("hi")})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	again, err := s.Create(ctx, "/logs", CreateOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("repeat Create: %v", err)
	}
	if again.Created || !again.NextOffset.Equal(first.NextOffset) {
		t.Errorf("repeat create: %+v", again)
	}
	if _, err := s.Create(ctx, "/logs", CreateOptions{ContentType: "application/json"}); !errors.Is(err, ErrContentTypeMismatch) {
		t.Errorf("content type change: got %v", err)
	}
}
