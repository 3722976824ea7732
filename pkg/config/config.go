// Package config loads the daemon's inventory of media and machines.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/medialock/pkg/attachment"
	"git.srvlab.io/whiskey/medialock/pkg/medium"
	"git.srvlab.io/whiskey/medialock/pkg/observability"
	"git.srvlab.io/whiskey/medialock/pkg/session"
	"git.srvlab.io/whiskey/medialock/pkg/utils"
)

// Config is the inventory file
type Config struct {
	Media      []MediumSpec  `yaml:"media"`
	Machines   []MachineSpec `yaml:"machines"`
	LockPolicy LockPolicy    `yaml:"lockPolicy"`
}

// MediumSpec describes one image. Parent names another entry of Media.
type MediumSpec struct {
	Name   string `yaml:"name"`
	Kind   string `yaml:"kind"`
	State  string `yaml:"state"`
	Parent string `yaml:"parent,omitempty"`
}

// MachineSpec describes a machine and its attachments
type MachineSpec struct {
	Name        string           `yaml:"name"`
	Autostart   bool             `yaml:"autostart"`
	Attachments []AttachmentSpec `yaml:"attachments"`
}

// AttachmentSpec describes one controller slot. An empty Medium is an
// empty removable drive.
type AttachmentSpec struct {
	Controller     string `yaml:"controller"`
	Port           int32  `yaml:"port"`
	Device         int32  `yaml:"device"`
	Type           string `yaml:"type"`
	Medium         string `yaml:"medium,omitempty"`
	Passthrough    bool   `yaml:"passthrough"`
	TempEject      bool   `yaml:"tempEject"`
	NonRotational  bool   `yaml:"nonRotational"`
	Discard        bool   `yaml:"discard"`
	HotPluggable   bool   `yaml:"hotPluggable"`
	BandwidthGroup string `yaml:"bandwidthGroup,omitempty"`
}

// LockPolicy controls retries of refused locks. Durations use Go syntax ("250ms").
type LockPolicy struct {
	MaxElapsed      time.Duration `yaml:"maxElapsed"`
	InitialInterval time.Duration `yaml:"initialInterval"`
	MaxInterval     time.Duration `yaml:"maxInterval"`
	Rate            float64       `yaml:"rate"`
	Burst           int           `yaml:"burst"`
}

// Load reads, parses and validates the inventory at path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates an inventory document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks names, medium parent links and attachment slots. It
// returns the first problem found.
func (c *Config) Validate() error {
	media := make(map[string]MediumSpec, len(c.Media))
	for _, ms := range c.Media {
		if err := utils.ValidateName(ms.Name); err != nil {
			return fmt.Errorf("medium: %w", err)
		}
		if _, dup := media[ms.Name]; dup {
			return invalid("duplicate medium %q", ms.Name)
		}
		if _, err := medium.ParseKind(ms.Kind); err != nil {
			return invalid("medium %s: %v", ms.Name, err)
		}
		if _, err := medium.ParseState(ms.State); err != nil {
			return invalid("medium %s: %v", ms.Name, err)
		}
		media[ms.Name] = ms
	}

	for _, ms := range c.Media {
		if ms.Parent == "" {
			continue
		}
		if _, ok := media[ms.Parent]; !ok {
			return invalid("medium %s: unknown parent %q", ms.Name, ms.Parent)
		}
		if err := checkChain(media, ms.Name); err != nil {
			return err
		}
	}

	machines := make(map[string]bool, len(c.Machines))
	for _, mach := range c.Machines {
		if err := utils.ValidateName(mach.Name); err != nil {
			return fmt.Errorf("machine: %w", err)
		}
		if machines[mach.Name] {
			return invalid("duplicate machine %q", mach.Name)
		}
		machines[mach.Name] = true

		slots := make(map[string]bool, len(mach.Attachments))
		for _, as := range mach.Attachments {
			if err := as.validate(media); err != nil {
				return fmt.Errorf("machine %s: %w", mach.Name, err)
			}
			key := attachment.SlotKey(as.Controller, as.Port, as.Device)
			if slots[key] {
				return invalid("machine %s: slot %s used twice", mach.Name, key)
			}
			slots[key] = true
		}
	}

	if c.LockPolicy.Rate < 0 || c.LockPolicy.Burst < 0 {
		return invalid("lockPolicy: rate and burst must not be negative")
	}
	return nil
}

func (as AttachmentSpec) validate(media map[string]MediumSpec) error {
	if err := utils.ValidateControllerName(as.Controller); err != nil {
		return err
	}
	if as.Port < 0 || as.Device < 0 {
		return invalid("slot %s/%d/%d: negative port or device", as.Controller, as.Port, as.Device)
	}
	typ, err := attachment.ParseDeviceType(as.Type)
	if err != nil {
		return invalid("slot %s/%d/%d: %v", as.Controller, as.Port, as.Device, err)
	}
	if as.Medium == "" {
		if !typ.IsRemovable() {
			return invalid("slot %s/%d/%d: %s attachment without a medium", as.Controller, as.Port, as.Device, typ)
		}
		return nil
	}
	ms, ok := media[as.Medium]
	if !ok {
		return invalid("slot %s/%d/%d: unknown medium %q", as.Controller, as.Port, as.Device, as.Medium)
	}
	kind, _ := medium.ParseKind(ms.Kind)
	if kind.String() != typ.String() {
		return invalid("slot %s/%d/%d: %s medium %s in a %s slot", as.Controller, as.Port, as.Device, kind, ms.Name, typ)
	}
	return nil
}

// checkChain walks the parent links from name and fails on a cycle
func checkChain(media map[string]MediumSpec, name string) error {
	seen := map[string]bool{name: true}
	for cur := media[name].Parent; cur != ""; cur = media[cur].Parent {
		if seen[cur] {
			return invalid("medium %s: parent chain loops at %q", name, cur)
		}
		seen[cur] = true
	}
	return nil
}

// BuildRegistry creates an image per medium, parents before children
func (c *Config) BuildRegistry() (*medium.Registry, error) {
	specs := make(map[string]MediumSpec, len(c.Media))
	for _, ms := range c.Media {
		specs[ms.Name] = ms
	}

	reg := medium.NewRegistry()
	var build func(name string, depth int) (*medium.Image, error)
	build = func(name string, depth int) (*medium.Image, error) {
		if img, ok := reg.Lookup(name); ok {
			return img, nil
		}
		ms, ok := specs[name]
		if !ok {
			return nil, invalid("unknown medium %q", name)
		}
		if depth > len(specs) {
			return nil, invalid("medium %s: parent chain loops", name)
		}

		var parent *medium.Image
		if ms.Parent != "" {
			p, err := build(ms.Parent, depth+1)
			if err != nil {
				return nil, err
			}
			parent = p
		}
		kind, err := medium.ParseKind(ms.Kind)
		if err != nil {
			return nil, invalid("medium %s: %v", name, err)
		}
		state, err := medium.ParseState(ms.State)
		if err != nil {
			return nil, invalid("medium %s: %v", name, err)
		}

		img := medium.NewImage(medium.ImageOptions{
			ID:     utils.NameToID(name),
			Name:   name,
			Kind:   kind,
			Parent: parent,
			State:  state,
		})
		if err := reg.Register(img); err != nil {
			return nil, err
		}
		klog.V(5).Infof("Registered medium %s (%s, %s)", name, kind, state)
		return img, nil
	}

	for _, ms := range c.Media {
		if _, err := build(ms.Name, 0); err != nil {
			return nil, err
		}
	}
	klog.V(4).Infof("Built registry with %d media", len(c.Media))
	return reg, nil
}

// RetryPolicy converts the lockPolicy section, filling unset fields with
// the session defaults
func (c *Config) RetryPolicy() session.RetryPolicy {
	p := session.DefaultRetryPolicy()
	lp := c.LockPolicy
	if lp.MaxElapsed != 0 {
		p.MaxElapsed = lp.MaxElapsed
	}
	if lp.InitialInterval > 0 {
		p.InitialInterval = lp.InitialInterval
	}
	if lp.MaxInterval > 0 {
		p.MaxInterval = lp.MaxInterval
	}
	if lp.Rate > 0 {
		p.Rate = lp.Rate
		p.Burst = 0
	}
	if lp.Burst > 0 {
		p.Burst = lp.Burst
	}
	return p
}

// BuildMachines creates every machine of the inventory, attaches its media
// from reg, commits the attachments and registers the machine with mgr.
// It returns the names of the machines marked autostart.
func (c *Config) BuildMachines(ctx context.Context, mgr *session.Manager, reg *medium.Registry, metrics *observability.Metrics) ([]string, error) {
	var autostart []string
	for _, mach := range c.Machines {
		m := session.NewMachine(mach.Name, metrics)
		for _, as := range mach.Attachments {
			cfg, err := as.attachmentConfig(reg)
			if err != nil {
				return nil, fmt.Errorf("machine %s: %w", mach.Name, err)
			}
			if _, err := m.Attachments().Attach(ctx, cfg); err != nil {
				return nil, fmt.Errorf("machine %s: %w", mach.Name, err)
			}
		}
		if err := m.Attachments().Commit(); err != nil {
			return nil, fmt.Errorf("machine %s: %w", mach.Name, err)
		}
		if err := mgr.AddMachine(m); err != nil {
			return nil, err
		}
		if mach.Autostart {
			autostart = append(autostart, mach.Name)
		}
		klog.V(4).Infof("Loaded machine %s with %d attachments", mach.Name, len(mach.Attachments))
	}
	return autostart, nil
}

func (as AttachmentSpec) attachmentConfig(reg *medium.Registry) (attachment.Config, error) {
	typ, err := attachment.ParseDeviceType(as.Type)
	if err != nil {
		return attachment.Config{}, invalid("%v", err)
	}
	cfg := attachment.Config{
		ControllerName: as.Controller,
		Port:           as.Port,
		Device:         as.Device,
		Type:           typ,
		Passthrough:    as.Passthrough,
		TempEject:      as.TempEject,
		NonRotational:  as.NonRotational,
		Discard:        as.Discard,
		HotPluggable:   as.HotPluggable,
		BandwidthGroup: as.BandwidthGroup,
	}
	if as.Medium != "" {
		img, ok := reg.Lookup(as.Medium)
		if !ok {
			return attachment.Config{}, fmt.Errorf("%w: medium %s", utils.ErrNotFound, as.Medium)
		}
		cfg.Medium = img
	}
	return cfg, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: "+format, append([]interface{}{utils.ErrInvalidParameter}, args...)...)
}
