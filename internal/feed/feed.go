// Package feed supplies vulnerability records to the pipeline.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Vulnerability is one record from a feed.
type Vulnerability struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description" yaml:"description"`
}

// Source produces vulnerability records.
type Source interface {
	Fetch(ctx context.Context) ([]Vulnerability, error)
}

// File reads records from a YAML or JSON list on disk.
type File struct {
	path string
}

// NewFile creates a File source.
func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Fetch(ctx context.Context) ([]Vulnerability, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read feed %s: %w", f.path, err)
	}

	var vulns []Vulnerability
	if strings.HasSuffix(f.path, ".json") {
		err = json.Unmarshal(data, &vulns)
	} else {
		err = yaml.Unmarshal(data, &vulns)
	}
	if err != nil {
		return nil, fmt.Errorf("parse feed %s: %w", f.path, err)
	}
	return Clean(vulns), nil
}

// Static returns a fixed list.
type Static []Vulnerability

func (s Static) Fetch(ctx context.Context) ([]Vulnerability, error) {
	return Clean(s), nil
}

// Clean drops records without an ID and keeps the first of any duplicates.
func Clean(vulns []Vulnerability) []Vulnerability {
	seen := make(map[string]bool, len(vulns))
	out := make([]Vulnerability, 0, len(vulns))
	for _, v := range vulns {
		v.ID = strings.TrimSpace(v.ID)
		if v.ID == "" || seen[v.ID] {
			continue
		}
		seen[v.ID] = true
		out = append(out, v)
	}
	return out
}

// CacheKey holds the cached vulnerability list.
const CacheKey = "all_vulnerabilities"

// Cached serves a Source's results from Redis for ttl after each fetch.
type Cached struct {
	src Source
	rdb *redis.Client
	ttl time.Duration
}

// NewCached wraps src.
func NewCached(src Source, rdb *redis.Client, ttl time.Duration) *Cached {
	return &Cached{src: src, rdb: rdb, ttl: ttl}
}

func (c *Cached) Fetch(ctx context.Context) ([]Vulnerability, error) {
	data, err := c.rdb.Get(ctx, CacheKey).Bytes()
	if err == nil {
		var vulns []Vulnerability
		if json.Unmarshal(data, &vulns) == nil {
			return vulns, nil
		}
	} else if err != redis.Nil {
		return nil, fmt.Errorf("read feed cache: %w", err)
	}

	vulns, err := c.src.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	if len(vulns) == 0 {
		return vulns, nil
	}
	data, err = json.Marshal(vulns)
	if err != nil {
		return nil, fmt.Errorf("encode feed cache: %w", err)
	}
	if err := c.rdb.Set(ctx, CacheKey, data, c.ttl).Err(); err != nil {
		return nil, fmt.Errorf("write feed cache: %w", err)
	}
	return vulns, nil
}
