package cache

import (
	"context"
	"time"
)

// DisabledStore stands in when no cache backend is configured.
type DisabledStore struct {
	Reason string
}

func (DisabledStore) Get(context.Context, string, any) error               { return ErrNotFound }
func (DisabledStore) Set(context.Context, string, any, time.Duration) bool { return false }
func (DisabledStore) Delete(context.Context, string) int64                 { return 0 }
func (DisabledStore) Keys(context.Context, string) []string                { return nil }
func (DisabledStore) IsEnabled() bool                                      { return false }
func (DisabledStore) Stats() Stats                                         { return Stats{} }
func (DisabledStore) UsedMemory(context.Context) string                    { return "" }
func (DisabledStore) Close() error                                         { return nil }
