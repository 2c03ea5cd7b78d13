package dataset

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
)

// Shards are named <split>-<index>.tar, e.g. shard-000000.tar or train-000012.tar.
var shardRegexp = regexp.MustCompile(`^[a-z0-9_]+-[0-9]{6,}\.tar$`)

// ShardIndex maps each data root to the shards found beneath it.
type ShardIndex map[string][]string

// Roots returns the indexed roots in sorted order.
func (s ShardIndex) Roots() []string {
	roots := make([]string, 0, len(s))
	for root := range s {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// Total counts shards across every root.
func (s ShardIndex) Total() int {
	n := 0
	for _, shards := range s {
		n += len(shards)
	}
	return n
}

// DiscoverShards returns the shard files under root in lexical order. A root
// that is itself a .tar file is returned as the only shard, whatever its name.
func DiscoverShards(root string) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("discover shards: %w", err)
	}
	if !info.IsDir() {
		if filepath.Ext(root) != ".tar" {
			return nil, fmt.Errorf("discover shards: %s is not a tar file", root)
		}
		return []string{root}, nil
	}

	var shards []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && shardRegexp.MatchString(d.Name()) {
			shards = append(shards, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("discover shards under %s: %w", root, err)
	}
	sort.Strings(shards)
	return shards, nil
}

// DiscoverByRoot scans each root independently.
func DiscoverByRoot(roots []string) (ShardIndex, error) {
	index := make(ShardIndex, len(roots))
	for _, root := range roots {
		shards, err := DiscoverShards(root)
		if err != nil {
			return nil, err
		}
		index[root] = shards
	}
	return index, nil
}
