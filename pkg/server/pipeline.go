package server

import (
	"fmt"
	"sync"
)

// StageKind tags the stages a connection pipeline is built from.
type StageKind int

const (
	StageLogging StageKind = iota
	StageFlashPolicy
	StageDecoder
	StageEncoder
	StageInflater
	StageDeflater
	StageChunkWriter
	StageIdle
	StageH2CUpgrade
	StageHandler
	StageHTTP2
)

// Stage names. They are stable so the h2c takeover can remove stages by name.
const (
	NameLogging     = "logging"
	NameFlashPolicy = "flashpolicy"
	NameDecoder     = "httpDecoder"
	NameEncoder     = "httpEncoder"
	NameInflater    = "inflater"
	NameDeflater    = "deflater"
	NameChunkWriter = "chunkwriter"
	NameIdle        = "idle"
	NameH2C         = "h2c"
	NameHandler     = "handler"
	NameHTTP2       = "http2"
)

// h2cRemovedStages are dropped from an HTTP/1 pipeline when it is taken
// over by HTTP/2 after an h2c upgrade, before the HTTP/2 stages are added.
var h2cRemovedStages = []string{NameIdle, NameFlashPolicy, NameDeflater, NameChunkWriter}

// h2cCodecStages are dropped once the 101 response has been written.
var h2cCodecStages = []string{NameHandler, NameDecoder, NameEncoder}

// Stage is one named element of a pipeline.
type Stage struct {
	Name string
	Kind StageKind

	// handler is the terminal request handler variant for StageHandler.
	handler terminalHandler
}

// Pipeline is the ordered list of stages a connection runs through. It is
// safe for concurrent use; the connection goroutine reads it per message.
type Pipeline struct {
	mu     sync.RWMutex
	stages []Stage
}

// AddLast appends a stage.
func (p *Pipeline) AddLast(s Stage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stages = append(p.stages, s)
}

// InsertAfter inserts s after the stage named after.
func (p *Pipeline) InsertAfter(after string, s Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexLocked(after)
	if i < 0 {
		return fmt.Errorf("server: pipeline has no stage %q", after)
	}
	p.stages = append(p.stages, Stage{})
	copy(p.stages[i+2:], p.stages[i+1:])
	p.stages[i+1] = s
	return nil
}

// Replace swaps the stage named name for s.
func (p *Pipeline) Replace(name string, s Stage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexLocked(name)
	if i < 0 {
		return fmt.Errorf("server: pipeline has no stage %q", name)
	}
	p.stages[i] = s
	return nil
}

// Remove drops the stage named name. It reports whether it was present.
func (p *Pipeline) Remove(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexLocked(name)
	if i < 0 {
		return false
	}
	p.stages = append(p.stages[:i], p.stages[i+1:]...)
	return true
}

// RemoveAll drops every named stage that is present.
func (p *Pipeline) RemoveAll(names ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, name := range names {
		if i := p.indexLocked(name); i >= 0 {
			p.stages = append(p.stages[:i], p.stages[i+1:]...)
		}
	}
}

// Has reports whether a stage named name is present.
func (p *Pipeline) Has(name string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.indexLocked(name) >= 0
}

// Get returns the stage named name.
func (p *Pipeline) Get(name string) (Stage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i := p.indexLocked(name)
	if i < 0 {
		return Stage{}, false
	}
	return p.stages[i], true
}

// Names returns the stage names in order.
func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.stages))
	for i, s := range p.stages {
		out[i] = s.Name
	}
	return out
}

func (p *Pipeline) indexLocked(name string) int {
	for i, s := range p.stages {
		if s.Name == name {
			return i
		}
	}
	return -1
}
