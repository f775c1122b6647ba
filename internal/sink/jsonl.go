package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/AshfordSecurity/carousel/internal/core"
	"github.com/AshfordSecurity/carousel/pkg/types"
)

// jsonlSink appends one JSON object per result. Verified results carry the
// plaintext secret, so the file is created owner-only.
type jsonlSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

func NewJSONL(path string) (core.OutcomeSink, error) {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open results file: %w", err)
	}
	return &jsonlSink{file: file, enc: json.NewEncoder(file)}, nil
}

func (s *jsonlSink) Record(_ context.Context, result types.AttemptResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(result); err != nil {
		return fmt.Errorf("failed to write result: %w", err)
	}
	return nil
}

func (s *jsonlSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
