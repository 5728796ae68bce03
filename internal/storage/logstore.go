package storage

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protodelim"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/omochice/relaychat/internal/chat"
	"github.com/omochice/relaychat/pkg/logger"
)

// LogStore appends every message to a file of length-delimited protobuf
// records and serves history from an in-memory copy rebuilt on open.
type LogStore struct {
	mu   sync.Mutex
	file *os.File
	log  messageLog
}

// OpenLogStore opens or creates the log at path and replays it. A truncated
// trailing record, left by a crash mid-write, is dropped.
func OpenLogStore(path string) (*LogStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}

	s := &LogStore{file: f}
	valid, err := s.replay()
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(valid); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate history file: %w", err)
	}
	if _, err := f.Seek(valid, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek history file: %w", err)
	}

	logger.InfoCF("storage", "History loaded", map[string]any{
		"path":     path,
		"messages": len(s.log.msgs),
	})
	return s, nil
}

// replay loads every complete record and returns the offset just past the
// last one.
func (s *LogStore) replay() (int64, error) {
	cr := &countingReader{r: s.file}
	br := bufio.NewReader(cr)
	var valid int64

	for {
		rec := &structpb.Struct{}
		err := protodelim.UnmarshalFrom(br, rec)
		if errors.Is(err, io.EOF) {
			return valid, nil
		}
		if err != nil {
			logger.WarnCF("storage", "Dropping unreadable history tail", map[string]any{
				"offset": valid,
				"error":  err.Error(),
			})
			return valid, nil
		}
		valid = cr.n - int64(br.Buffered())
		s.log.msgs = append(s.log.msgs, fromRecord(rec))
	}
}

// SaveMessage implements chat.MessageStore.
func (s *LogStore) SaveMessage(_ context.Context, msg chat.ChatMessage) error {
	rec, err := toRecord(msg)
	if err != nil {
		return fmt.Errorf("%w: encode message: %v", chat.ErrStorage, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("%w: history store closed", chat.ErrStorage)
	}
	if _, err := protodelim.MarshalTo(s.file, rec); err != nil {
		return fmt.Errorf("%w: append message: %v", chat.ErrStorage, err)
	}
	s.log.append(msg)
	return nil
}

// History implements Store.
func (s *LogStore) History(_ context.Context, q Query) ([]chat.ChatMessage, error) {
	return s.log.query(q), nil
}

// Close flushes and closes the log file.
func (s *LogStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Sync()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.file = nil
	return err
}

func toRecord(msg chat.ChatMessage) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"sender":          msg.Sender,
		"receiver":        msg.Receiver,
		"body":            msg.Body,
		"kind":            msg.Kind,
		"attachment_path": msg.AttachmentPath,
		"sent_at":         msg.SentAt.UnixMilli(),
	})
}

func fromRecord(rec *structpb.Struct) chat.ChatMessage {
	f := rec.GetFields()
	return chat.ChatMessage{
		Sender:         f["sender"].GetStringValue(),
		Receiver:       f["receiver"].GetStringValue(),
		Body:           f["body"].GetStringValue(),
		Kind:           f["kind"].GetStringValue(),
		AttachmentPath: f["attachment_path"].GetStringValue(),
		SentAt:         time.UnixMilli(int64(f["sent_at"].GetNumberValue())),
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
