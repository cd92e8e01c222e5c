package main

import (
	"fmt"
	"log"

	"github.com/steveyegge/capsync/internal/config"
	"github.com/steveyegge/capsync/internal/engine"
	"github.com/steveyegge/capsync/internal/metrics"
	"github.com/steveyegge/capsync/internal/notion"
	"github.com/steveyegge/capsync/internal/queue"
	"github.com/steveyegge/capsync/internal/resolver"
	"github.com/steveyegge/capsync/internal/statestore"
	"github.com/steveyegge/capsync/internal/todoist"
)

// stack is the assembled service with everything the commands need.
type stack struct {
	engine *engine.Engine
	store  statestore.Store
	queue  queue.Queue
}

// close tears down in reverse construction order.
func (s *stack) close() {
	if err := s.queue.Close(); err != nil {
		log.Printf("[capsync] queue close: %v", err)
	}
	if err := s.store.Close(); err != nil {
		log.Printf("[capsync] store close: %v", err)
	}
}

// buildStack wires the adapters, store, queue, resolver, and engine from
// configuration. Everything is constructor-injected; nothing here is a
// package-level singleton.
func buildStack(cfg *config.Config) (*stack, error) {
	var store statestore.Store
	var err error
	if cfg.State.Path == "" {
		store = statestore.NewMemory()
	} else {
		store, err = statestore.OpenSQLite(cfg.State.Path, cfg.State.Namespace)
		if err != nil {
			return nil, fmt.Errorf("open state store: %w", err)
		}
	}

	var q queue.Queue
	if cfg.Queue.URL == "" {
		q = queue.NewMemory(cfg.RetryBaseDelay)
	} else {
		q, err = queue.OpenJetStream(cfg.Queue.URL, cfg.Queue.Stream, cfg.RetryBaseDelay)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("open queue: %w", err)
		}
	}

	src := todoist.NewAdapter(
		todoist.NewClient(cfg.Todoist.Token, cfg.Todoist.RPS).WithBaseURL(cfg.Todoist.BaseURL),
		cfg.DefaultTimezone,
	)
	dest := notion.NewAdapter(
		notion.NewClient(cfg.Notion.Token, cfg.Notion.RPS).WithBaseURL(cfg.Notion.BaseURL),
		notion.Databases{
			Tasks:    cfg.Notion.TaskDB,
			Projects: cfg.Notion.ProjectDB,
			Areas:    cfg.Notion.AreaDB,
			People:   cfg.Notion.PeopleDB,
		},
	)

	res := resolver.New(dest, src, store, cfg.AddBacklink)
	eng := engine.New(cfg, src, dest, store, res, q, metrics.New())

	return &stack{engine: eng, store: store, queue: q}, nil
}
