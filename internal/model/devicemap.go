package model

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// DeviceMap is a Hugging Face style placement map keyed by dotted module
// path ("model.layers.3", "model.embed_tokens", "" for the whole model).
// Values are device names or bare accelerator ordinals.
type DeviceMap map[string]Device

// LoadDeviceMap reads a device_map.json file.
func LoadDeviceMap(path string) (DeviceMap, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("%w: parse device map %s: %v", ErrConfig, path, err)
	}
	dm := make(DeviceMap, len(entries))
	for k, v := range entries {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			dm[k] = Device(s)
			continue
		}
		var n int
		if err := json.Unmarshal(v, &n); err != nil {
			return nil, fmt.Errorf("%w: device map entry %q: want string or integer", ErrConfig, k)
		}
		dm[k] = Device("cuda:" + strconv.Itoa(n))
	}
	return dm, nil
}

// Lookup resolves path to the entry with the longest matching dotted
// prefix.
func (dm DeviceMap) Lookup(path string) (Device, bool) {
	if d, ok := dm[path]; ok {
		return d, true
	}
	best, found := -1, Device("")
	for k, d := range dm {
		if k != "" && !strings.HasPrefix(path, k+".") {
			continue
		}
		if len(k) > best {
			best, found = len(k), d
		}
	}
	return found, best >= 0
}

// DeviceTable is a device map resolved once for a fixed layer count.
type DeviceTable struct {
	Embedding Device
	layers    []Device
	known     []bool
}

// ResolveDevices builds the per-layer table for fam. Layers missing from
// dm fall back to def.
func ResolveDevices(dm DeviceMap, fam Family, numLayers int, def Device) DeviceTable {
	if def == "" {
		def = CPU
	}
	t := DeviceTable{
		Embedding: def,
		layers:    make([]Device, numLayers),
		known:     make([]bool, numLayers),
	}
	if d, ok := dm.Lookup(fam.Base() + ".embed_tokens"); ok {
		t.Embedding = d
	}
	for i := range numLayers {
		t.layers[i] = def
		if d, ok := dm.Lookup(fam.LayerPath(i)); ok {
			t.layers[i], t.known[i] = d, true
		}
	}
	return t
}

// Layer returns the device for layer i and whether the map named it.
func (t DeviceTable) Layer(i int) (Device, bool) {
	if i < 0 || i >= len(t.layers) {
		return t.Embedding, false
	}
	return t.layers[i], t.known[i]
}
