package targets

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func TestStatic(t *testing.T) {
	s := NewStatic(map[string][]string{
		"CVE-2021-1234": {"example.com", "test.vuln"},
		"CVE-2022-5678": {"vuln.host"},
	}, []string{"honey.scanme.sh"})
	ctx := context.Background()

	got, _ := s.Hosts(ctx, "CVE-2021-1234")
	if len(got) != 2 || got[0] != "example.com" {
		t.Errorf("Hosts(CVE-2021-1234) = %v", got)
	}
	got, _ = s.Hosts(ctx, "CVE-unknown")
	if len(got) != 1 || got[0] != "honey.scanme.sh" {
		t.Errorf("Hosts(unknown) = %v, want fallback", got)
	}

	got[0] = "mutated"
	again, _ := s.Hosts(ctx, "CVE-unknown")
	if again[0] != "honey.scanme.sh" {
		t.Error("caller mutation leaked into resolver")
	}
}

func TestStatic_NoFallback(t *testing.T) {
	got, err := NewStatic(nil, nil).Hosts(context.Background(), "CVE-1")
	if err != nil || len(got) != 0 {
		t.Errorf("Hosts = %v, %v; want none", got, err)
	}
}

func TestRegistry(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	ctx := context.Background()

	reg := NewRegistry(rdb, NewStatic(nil, []string{"honey.scanme.sh"}))
	if err := reg.Add(ctx, "CVE-1", "b.example", "a.example"); err != nil {
		t.Fatalf("Add: %v", err)
	}

	got, err := reg.Hosts(ctx, "CVE-1")
	if err != nil {
		t.Fatalf("Hosts: %v", err)
	}
	if len(got) != 2 || got[0] != "a.example" {
		t.Errorf("Hosts = %v, want sorted registry hosts", got)
	}

	got, _ = reg.Hosts(ctx, "CVE-2")
	if len(got) != 1 || got[0] != "honey.scanme.sh" {
		t.Errorf("Hosts(CVE-2) = %v, want fallback", got)
	}

	got, _ = NewRegistry(rdb, nil).Hosts(ctx, "CVE-2")
	if len(got) != 0 {
		t.Errorf("Hosts without next = %v", got)
	}
}
