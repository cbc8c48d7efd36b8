package cache

import (
	"context"
	"time"
)

// noneBackend never stores anything; every lookup is a miss.
type noneBackend struct{}

func (noneBackend) Get(context.Context, Key) ([]byte, error) { return nil, nil }

func (noneBackend) Set(context.Context, Key, []byte, time.Duration) error { return nil }

func (noneBackend) Name() string { return "none" }
