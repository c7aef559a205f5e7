package validation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var ErrTapeMiss = errors.New("no recorded answer for prompt")

// TapeEntry 为某个 prompt hash 录下的回答。
type TapeEntry struct {
	Hash  string  `json:"hash"`
	Quick *Answer `json:"quick,omitempty"`
	Deep  *Answer `json:"deep,omitempty"`
}

// Tape 以 prompt hash 为键保存顾问回答，可落盘后在回测中回放。
type Tape struct {
	mu      sync.RWMutex
	entries map[string]*TapeEntry
}

func NewTape() *Tape {
	return &Tape{entries: make(map[string]*TapeEntry)}
}

// LoadTape 读取 JSON 文件；文件不存在时返回空磁带。
func LoadTape(path string) (*Tape, error) {
	t := NewTape()
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read tape: %w", err)
	}
	var list []TapeEntry
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("parse tape: %w", err)
	}
	for i := range list {
		e := list[i]
		t.entries[e.Hash] = &e
	}
	return t, nil
}

// Save 按 hash 排序写出，保证文件内容稳定。
func (t *Tape) Save(path string) error {
	t.mu.RLock()
	list := make([]TapeEntry, 0, len(t.entries))
	for _, e := range t.entries {
		list = append(list, *e)
	}
	t.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Hash < list[j].Hash })
	buf, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf, 0o644)
}

func (t *Tape) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

func (t *Tape) lookup(hash string, tier Tier) (Answer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[hash]
	if !ok {
		return Answer{}, false
	}
	if tier == TierDeep {
		if e.Deep == nil {
			return Answer{}, false
		}
		return *e.Deep, true
	}
	if e.Quick == nil {
		return Answer{}, false
	}
	return *e.Quick, true
}

func (t *Tape) record(hash string, tier Tier, ans Answer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[hash]
	if !ok {
		e = &TapeEntry{Hash: hash}
		t.entries[hash] = e
	}
	if tier == TierDeep {
		e.Deep = &ans
		return
	}
	e.Quick = &ans
}

// ReplayAdvisor 只从磁带回放；缺失的条目按顾问错误处理。
type ReplayAdvisor struct {
	tape *Tape
}

func NewReplayAdvisor(t *Tape) *ReplayAdvisor {
	return &ReplayAdvisor{tape: t}
}

func (r *ReplayAdvisor) Mode() string { return ModeReplay }

func (r *ReplayAdvisor) Quick(ctx context.Context, req Request) (Answer, error) {
	return r.play(ctx, req, TierQuick)
}

func (r *ReplayAdvisor) Deep(ctx context.Context, req Request) (Answer, error) {
	return r.play(ctx, req, TierDeep)
}

func (r *ReplayAdvisor) play(ctx context.Context, req Request, tier Tier) (Answer, error) {
	if err := ctx.Err(); err != nil {
		return Answer{}, err
	}
	ans, ok := r.tape.lookup(req.PromptHash, tier)
	if !ok {
		return Answer{}, fmt.Errorf("%s %s: %w", tier, req.PromptHash, ErrTapeMiss)
	}
	return ans, nil
}

// RecordingAdvisor 透传给真实顾问并把成功的回答写入磁带。
type RecordingAdvisor struct {
	inner Advisor
	tape  *Tape
}

func NewRecordingAdvisor(inner Advisor, t *Tape) *RecordingAdvisor {
	return &RecordingAdvisor{inner: inner, tape: t}
}

func (r *RecordingAdvisor) Mode() string { return r.inner.Mode() }

func (r *RecordingAdvisor) Tape() *Tape { return r.tape }

func (r *RecordingAdvisor) Quick(ctx context.Context, req Request) (Answer, error) {
	ans, err := r.inner.Quick(ctx, req)
	if err == nil {
		r.tape.record(req.PromptHash, TierQuick, ans)
	}
	return ans, err
}

func (r *RecordingAdvisor) Deep(ctx context.Context, req Request) (Answer, error) {
	ans, err := r.inner.Deep(ctx, req)
	if err == nil {
		r.tape.record(req.PromptHash, TierDeep, ans)
	}
	return ans, err
}
