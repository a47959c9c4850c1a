/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"os"
	"sync"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/lexgraph/lexgraph/pkg/errors"
)

// Loader produces the PipelineConfig for one (domain, overrides) pair.
type Loader interface {
	Resolve(domain string, overrides *Overrides) (*PipelineConfig, error)
}

// File is the on-disk layout: one optional global layer plus per-domain layers.
type File struct {
	Global  *Overrides            `yaml:"global"`
	Domains map[string]*Overrides `yaml:"domains"`
}

// DefaultLoader layers built-in defaults, a global layer, a domain layer, and
// the per-request overrides, in that order. Layers swap atomically under
// LoadFile / SetLayers so in-flight resolves see a consistent pair.
type DefaultLoader struct {
	mu      sync.RWMutex
	global  *Overrides
	domains map[string]*Overrides
}

func NewDefaultLoader() *DefaultLoader {
	return &DefaultLoader{}
}

func (l *DefaultLoader) Resolve(domain string, overrides *Overrides) (*PipelineConfig, error) {
	l.mu.RLock()
	global, domainLayer := l.global, l.domains[domain]
	l.mu.RUnlock()

	c := Default()
	global.applyTo(c)
	domainLayer.applyTo(c)
	overrides.applyTo(c)
	if err := c.Validate(); err != nil {
		return nil, errors.Wrap(errors.KindConfigInvalid, fmt.Errorf("resolving config for domain %q, %w", domain, err))
	}
	return c, nil
}

// SetLayers replaces the global and domain layers after validating that every
// declared domain still resolves. On error nothing changes.
func (l *DefaultLoader) SetLayers(global *Overrides, domains map[string]*Overrides) error {
	if err := probeLayers(global, domains); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.global = global
	l.domains = domains
	return nil
}

// LoadFile parses a YAML layer file and installs its layers. A file that
// fails to parse or to resolve leaves the current layers in place.
func (l *DefaultLoader) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file, %w", err)
	}
	f := &File{}
	if err := yaml.Unmarshal(raw, f); err != nil {
		return errors.Wrap(errors.KindConfigInvalid, fmt.Errorf("parsing config file %q, %w", path, err))
	}
	if err := l.SetLayers(f.Global, f.Domains); err != nil {
		return fmt.Errorf("installing config file %q, %w", path, err)
	}
	return nil
}

// probeLayers resolves the generic domain and every declared domain against
// the candidate layers so a broken file is rejected as a whole.
func probeLayers(global *Overrides, domains map[string]*Overrides) error {
	var err error
	for _, domain := range append([]string{""}, lo.Keys(domains)...) {
		c := Default()
		global.applyTo(c)
		domains[domain].applyTo(c)
		if verr := c.Validate(); verr != nil {
			err = multierr.Append(err, fmt.Errorf("domain %q, %w", domain, verr))
		}
	}
	if err != nil {
		return errors.Wrap(errors.KindConfigInvalid, err)
	}
	return nil
}
