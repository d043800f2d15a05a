package roomkit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

const (
	metaCustomRenderMode = "customRenderMode"
	metaFramework        = "framework"
	metaBlackStream      = "enableBlackStream"
)

// Metadata is a key value store with change callbacks. It holds the
// capabilities switched through CallExperimentalAPI.
type Metadata struct {
	mu        sync.RWMutex
	m         map[string]interface{}
	callbacks map[string]func(key string, value interface{})
}

func NewMetadata() *Metadata {
	return &Metadata{
		m:         make(map[string]interface{}),
		callbacks: make(map[string]func(key string, value interface{})),
	}
}

func (m *Metadata) Set(key string, value interface{}) {
	m.mu.Lock()
	m.m[key] = value
	m.mu.Unlock()

	m.onChanged(key, value)
}

func (m *Metadata) Get(key string) (interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.m[key]
	if !ok {
		return nil, ErrMetaNotFound
	}

	return v, nil
}

func (m *Metadata) Delete(key string) {
	m.mu.Lock()
	_, ok := m.m[key]
	delete(m.m, key)
	m.mu.Unlock()

	if ok {
		m.onChanged(key, nil)
	}
}

// ForEach visits keys in sorted order.
func (m *Metadata) ForEach(f func(key string, value interface{})) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.m))
	for k := range m.m {
		keys = append(keys, k)
	}

	values := make(map[string]interface{}, len(m.m))
	for k, v := range m.m {
		values[k] = v
	}
	m.mu.RUnlock()

	slices.Sort(keys)

	for _, k := range keys {
		f(k, values[k])
	}
}

func (m *Metadata) onChanged(key string, value interface{}) {
	m.mu.RLock()
	callbacks := make([]func(string, interface{}), 0, len(m.callbacks))
	for _, f := range m.callbacks {
		callbacks = append(callbacks, f)
	}
	m.mu.RUnlock()

	for _, f := range callbacks {
		f(key, value)
	}
}

// OnChanged registers f until ctx is done. A deleted key is reported with a
// nil value.
func (m *Metadata) OnChanged(ctx context.Context, f func(key string, value interface{})) {
	id := GenerateID()

	m.mu.Lock()
	m.callbacks[id] = f
	m.mu.Unlock()

	go func() {
		<-ctx.Done()

		m.mu.Lock()
		delete(m.callbacks, id)
		m.mu.Unlock()
	}()
}

type experimentalRequest struct {
	API    string                 `json:"api"`
	Params map[string]interface{} `json:"params"`
}

type experimentalHandler func(e *Engine, params map[string]interface{}) (interface{}, error)

var experimentalAPIs = map[string]experimentalHandler{
	"setCustomRenderMode": func(e *Engine, params map[string]interface{}) (interface{}, error) {
		var p struct {
			Mode int `mapstructure:"mode"`
		}

		if err := mapstructure.Decode(params, &p); err != nil {
			return nil, err
		}

		e.meta.Set(metaCustomRenderMode, p.Mode)

		return nil, nil
	},
	"setFramework": func(e *Engine, params map[string]interface{}) (interface{}, error) {
		var p struct {
			Framework int `mapstructure:"framework"`
			Component int `mapstructure:"component"`
		}

		if err := mapstructure.Decode(params, &p); err != nil {
			return nil, err
		}

		e.meta.Set(metaFramework, p)

		return nil, nil
	},
	"enableBlackStream": func(e *Engine, params map[string]interface{}) (interface{}, error) {
		var p struct {
			Enable bool `mapstructure:"enable"`
		}

		if err := mapstructure.Decode(params, &p); err != nil {
			return nil, err
		}

		e.local.setBlackStream(p.Enable)
		e.meta.Set(metaBlackStream, p.Enable)

		return nil, nil
	},
	"getCapabilities": func(e *Engine, _ map[string]interface{}) (interface{}, error) {
		caps := make(map[string]interface{})
		e.meta.ForEach(func(key string, value interface{}) {
			caps[key] = value
		})

		return caps, nil
	},
}

// CallExperimentalAPI runs an API that has no stable signature yet. The
// request is a JSON object {"api": name, "params": {...}}; the returned
// string is the JSON encoded result, empty when the API has none.
func (e *Engine) CallExperimentalAPI(request string) (string, error) {
	var req experimentalRequest
	if err := json.Unmarshal([]byte(request), &req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	handler, ok := experimentalAPIs[req.API]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAPI, req.API)
	}

	result, err := handler(e, req.Params)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidParams, req.API, err)
	}

	glog.Info("experimental: called ", req.API)

	if result == nil {
		return "", nil
	}

	out, err := json.Marshal(result)
	if err != nil {
		return "", err
	}

	return string(out), nil
}

// Meta exposes the capabilities set through CallExperimentalAPI.
func (e *Engine) Meta() *Metadata {
	return e.meta
}
