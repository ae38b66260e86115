package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/samcharles93/lopper/internal/tensor"
)

// IndexFile is the Hugging Face sharded checkpoint index filename.
const IndexFile = "model.safetensors.index.json"

// Checkpoint is a unified view over a single safetensors file or a sharded
// checkpoint described by IndexFile.
type Checkpoint struct {
	Dir    string
	Shards map[string]*File // key: shard filename
	owner  map[string]string
}

type shardIndex struct {
	WeightMap map[string]string `json:"weight_map"`
}

// OpenCheckpoint opens a .safetensors file, or a directory holding either an
// IndexFile or exactly one *.safetensors file.
func OpenCheckpoint(path string) (*Checkpoint, error) {
	if path == "" {
		return nil, errors.New("safetensors: empty path")
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		if !strings.HasSuffix(strings.ToLower(path), ".safetensors") {
			return nil, fmt.Errorf("safetensors: expected .safetensors file: %s", path)
		}
		return openShards(filepath.Dir(path), []string{filepath.Base(path)}, nil)
	}

	idxPath := filepath.Join(path, IndexFile)
	if raw, err := os.ReadFile(idxPath); err == nil {
		var idx shardIndex
		if err := json.Unmarshal(raw, &idx); err != nil {
			return nil, fmt.Errorf("safetensors: parse %s: %w", idxPath, err)
		}
		if len(idx.WeightMap) == 0 {
			return nil, fmt.Errorf("safetensors: %s has an empty weight_map", idxPath)
		}
		seen := make(map[string]bool)
		var shards []string
		for _, shard := range idx.WeightMap {
			if !seen[shard] {
				seen[shard] = true
				shards = append(shards, shard)
			}
		}
		sort.Strings(shards)
		return openShards(path, shards, idx.WeightMap)
	}

	matches, err := filepath.Glob(filepath.Join(path, "*.safetensors"))
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("safetensors: no .safetensors files in %s", path)
	case 1:
		return openShards(path, []string{filepath.Base(matches[0])}, nil)
	default:
		return nil, fmt.Errorf("safetensors: %d .safetensors files in %s without %s", len(matches), path, IndexFile)
	}
}

func openShards(dir string, shards []string, weightMap map[string]string) (*Checkpoint, error) {
	c := &Checkpoint{
		Dir:    dir,
		Shards: make(map[string]*File, len(shards)),
		owner:  make(map[string]string),
	}
	for _, shard := range shards {
		f, err := Open(filepath.Join(dir, shard))
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		c.Shards[shard] = f
		for name := range f.Tensors {
			if prev, dup := c.owner[name]; dup {
				_ = c.Close()
				return nil, fmt.Errorf("safetensors: tensor %s present in both %s and %s", name, prev, shard)
			}
			c.owner[name] = shard
		}
	}
	for name, shard := range weightMap {
		if c.owner[name] != shard {
			_ = c.Close()
			return nil, fmt.Errorf("safetensors: index maps %s to %s but the shard does not hold it", name, shard)
		}
	}
	return c, nil
}

func (c *Checkpoint) Close() error {
	if c == nil {
		return nil
	}
	var first error
	for _, f := range c.Shards {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Names returns every tensor name in sorted order.
func (c *Checkpoint) Names() []string {
	out := make([]string, 0, len(c.owner))
	for name := range c.owner {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the shard holding name.
func (c *Checkpoint) Lookup(name string) (*File, TensorInfo, bool) {
	shard, ok := c.owner[name]
	if !ok {
		return nil, TensorInfo{}, false
	}
	f := c.Shards[shard]
	info, ok := f.Tensor(name)
	return f, info, ok
}

// ShardOf returns the shard filename holding name.
func (c *Checkpoint) ShardOf(name string) (string, bool) {
	s, ok := c.owner[name]
	return s, ok
}

func (c *Checkpoint) ReadMat(name string) (*tensor.Mat, error) {
	f, _, ok := c.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f.ReadMat(name)
}
