// Package suggestions keeps the search-suggestion vocabulary (faces, objects,
// emotions across the catalog) in Redis sets.
package suggestions

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/redis/go-redis/v9"

	"thirdcoast.systems/sceneindex/internal/db"
)

const keyPrefix = "suggestions:"

var kinds = []string{"faces", "objects", "emotions"}

// TermSource reads the vocabulary. *db.Queries satisfies it.
type TermSource interface {
	ListSuggestionTerms(ctx context.Context) (*db.SuggestionTerms, error)
}

type Suggestions struct {
	Faces    []string `json:"faces"`
	Objects  []string `json:"objects"`
	Emotions []string `json:"emotions"`
}

type Cache struct {
	rdb   redis.UniversalClient
	terms TermSource
}

func NewCache(rdb redis.UniversalClient, terms TermSource) *Cache {
	return &Cache{rdb: rdb, terms: terms}
}

func liveKey(kind string) string    { return keyPrefix + kind }
func stagingKey(kind string) string { return keyPrefix + kind + ":staging" }

// Refresh rebuilds every set under a staging key and renames it over the
// live key, so readers see either the old or the new vocabulary. Calling it
// redundantly is harmless.
func (c *Cache) Refresh(ctx context.Context) error {
	t, err := c.terms.ListSuggestionTerms(ctx)
	if err != nil {
		return fmt.Errorf("load suggestion terms: %w", err)
	}
	values := map[string][]string{"faces": t.Faces, "objects": t.Objects, "emotions": t.Emotions}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, kind := range kinds {
			list := values[kind]
			pipe.Del(ctx, stagingKey(kind))
			if len(list) == 0 {
				pipe.Del(ctx, liveKey(kind))
				continue
			}
			members := make([]any, len(list))
			for i, v := range list {
				members[i] = v
			}
			pipe.SAdd(ctx, stagingKey(kind), members...)
			pipe.Rename(ctx, stagingKey(kind), liveKey(kind))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refresh suggestions: %w", err)
	}
	slog.Debug("suggestions refreshed", "faces", len(t.Faces), "objects", len(t.Objects), "emotions", len(t.Emotions))
	return nil
}

func (c *Cache) Get(ctx context.Context) (*Suggestions, error) {
	cmds := map[string]*redis.StringSliceCmd{}
	_, err := c.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, kind := range kinds {
			cmds[kind] = pipe.SMembers(ctx, liveKey(kind))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read suggestions: %w", err)
	}
	read := func(kind string) []string {
		list := cmds[kind].Val()
		if list == nil {
			list = []string{}
		}
		sort.Strings(list)
		return list
	}
	return &Suggestions{Faces: read("faces"), Objects: read("objects"), Emotions: read("emotions")}, nil
}
