package scenario

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
)

// File is the on-disk shape of a scenario.
//
//	name: partition-heal
//	servers: 5
//	unreliable: false
//	maxraftstate: 1024
//	steps:
//	  - at: 0s
//	    put: {key: a, value: "1"}
//	  - at: 2s
//	    split: true
//	  - at: 6s
//	    heal: true
//	  - at: 8s
//	    check: {key: a, want: "1"}
type File struct {
	Name         string `yaml:"name"`
	Servers      int    `yaml:"servers"`
	Unreliable   bool   `yaml:"unreliable"`
	MaxRaftState int    `yaml:"maxraftstate"`
	Steps        []Step `yaml:"steps"`
}

// Step is one YAML script entry. Exactly one action field must be set.
type Step struct {
	At time.Duration `yaml:"at"`

	Start      *int    `yaml:"start"`
	Shutdown   *int    `yaml:"shutdown"`
	Restart    *int    `yaml:"restart"`
	Split      bool    `yaml:"split"`
	Heal       bool    `yaml:"heal"`
	Unreliable *bool   `yaml:"unreliable"`
	Put        *KV     `yaml:"put"`
	Append     *KV     `yaml:"append"`
	Check      *Expect `yaml:"check"`
	WantLeader bool    `yaml:"want-leader"`
}

// KV is a key/value pair for put and append steps.
type KV struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// Expect is a read assertion for check steps.
type Expect struct {
	Key  string `yaml:"key"`
	Want string `yaml:"want"`
}

// Load reads and compiles a scenario file.
func Load(path string) (File, Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, Script{}, fmt.Errorf("reading scenario: %w", err)
	}
	return Parse(data)
}

// Parse compiles scenario YAML into an executable Script.
func Parse(data []byte) (File, Script, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, Script{}, fmt.Errorf("parsing scenario: %w", err)
	}
	if f.Servers <= 0 {
		return File{}, Script{}, fmt.Errorf("scenario %q: servers must be positive, got %d", f.Name, f.Servers)
	}

	s := Script{}
	for i, st := range f.Steps {
		b, err := st.builder()
		if err != nil {
			return File{}, Script{}, fmt.Errorf("scenario %q step %d: %w", f.Name, i, err)
		}
		s.Actions = append(s.Actions, b(st.At))
	}
	return f, s, nil
}

func (st Step) builder() (Builder, error) {
	var bs []Builder
	if st.Start != nil {
		bs = append(bs, StartServer(*st.Start))
	}
	if st.Shutdown != nil {
		bs = append(bs, ShutdownServer(*st.Shutdown))
	}
	if st.Restart != nil {
		bs = append(bs, RestartServer(*st.Restart))
	}
	if st.Split {
		bs = append(bs, Split())
	}
	if st.Heal {
		bs = append(bs, Heal())
	}
	if st.Unreliable != nil {
		bs = append(bs, Unreliable(*st.Unreliable))
	}
	if st.Put != nil {
		bs = append(bs, Put(st.Put.Key, st.Put.Value))
	}
	if st.Append != nil {
		bs = append(bs, Append(st.Append.Key, st.Append.Value))
	}
	if st.Check != nil {
		bs = append(bs, Check(st.Check.Key, st.Check.Want))
	}
	if st.WantLeader {
		bs = append(bs, ExpectLeader())
	}
	switch len(bs) {
	case 0:
		return nil, fmt.Errorf("no action set")
	case 1:
		return bs[0], nil
	default:
		return nil, fmt.Errorf("more than one action set")
	}
}
