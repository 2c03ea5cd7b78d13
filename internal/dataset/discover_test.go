package dataset

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverShardsBasic(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "shard-000000.tar"))
	mustWrite(t, filepath.Join(dir, "nested", "shard-000001.tar"))
	mustWrite(t, filepath.Join(dir, "ignore.txt"))

	shards, err := DiscoverShards(dir)
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "nested", "shard-000001.tar"),
		filepath.Join(dir, "shard-000000.tar"),
	}
	if len(shards) != len(want) {
		t.Fatalf("expected %d shards, got %d", len(want), len(shards))
	}
	for i, shard := range want {
		if shards[i] != shard {
			t.Fatalf("shard[%d]=%s want %s", i, shards[i], shard)
		}
	}
}

func TestDiscoverShardsNamesAndFiles(t *testing.T) {
	dir := t.TempDir()
	mustWrite(t, filepath.Join(dir, "train-000003.tar"))
	mustWrite(t, filepath.Join(dir, "shard-12.tar"))
	single := filepath.Join(dir, "holdout.tar")
	mustWrite(t, single)

	shards, err := DiscoverShards(dir)
	if err != nil {
		t.Fatalf("DiscoverShards error: %v", err)
	}
	if len(shards) != 1 || filepath.Base(shards[0]) != "train-000003.tar" {
		t.Fatalf("unexpected shards %v", shards)
	}

	shards, err = DiscoverShards(single)
	if err != nil {
		t.Fatalf("DiscoverShards(file) error: %v", err)
	}
	if len(shards) != 1 || shards[0] != single {
		t.Fatalf("file root resolved to %v", shards)
	}
	if _, err := DiscoverShards(filepath.Join(dir, "..", filepath.Base(dir), "train-000003.tar", "x")); err == nil {
		t.Fatal("expected error for path below a file")
	}
}

func TestShardIndex(t *testing.T) {
	index := ShardIndex{"b": {"b/1", "b/2"}, "a": {"a/1"}, "c": nil}
	if got := index.Roots(); len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Fatalf("roots %v", got)
	}
	if index.Total() != 3 {
		t.Fatalf("total %d", index.Total())
	}
}

func TestDiscoverByRootMissing(t *testing.T) {
	if _, err := DiscoverByRoot([]string{filepath.Join(t.TempDir(), "absent")}); err == nil {
		t.Fatal("expected error for missing root")
	}
}

func mustWrite(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
