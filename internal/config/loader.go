package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Snapshot is the immutable result of one Loader.Load call: the set of
// successfully parsed cron definitions plus a content-hash Serial token
// the scheduler and UI endpoint use to detect change without deep
// comparison.
type Snapshot struct {
	Crons  map[string]CronDef
	Serial string
}

// Loader watches a directory of *.yaml files, each holding one or more
// `name: {...}` cron definitions, and concatenates them as though they
// were one YAML document. On a name collision between files, last file
// wins in lexicographic filename order; the losing file's name is reported
// back via the collisions map rather than silently dropped.
type Loader struct {
	dir string

	mtimes map[string]time.Time
	cached *Snapshot
}

// NewLoader returns a Loader rooted at dir. dir is not required to exist
// yet; Load returns an empty Snapshot until files appear, matching the
// daemon's zero-config startup posture.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, mtimes: make(map[string]time.Time)}
}

// Dir reports the directory this loader scans.
func (l *Loader) Dir() string { return l.dir }

// Load re-scans the directory. If no *.yaml file's mtime has changed since
// the previous call, the cached Snapshot is returned unchanged, keeping
// the scheduler's every-tick reload cheap.
// badCrons maps cron name to the validation error that excluded it from
// the Snapshot (a file that is not valid YAML is keyed by its file name);
// collisions maps a duplicated cron name to the name of the file whose
// definition lost.
func (l *Loader) Load() (snap *Snapshot, badCrons map[string]error, collisions map[string]string, err error) {
	badCrons = make(map[string]error)
	collisions = make(map[string]string)

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			empty := &Snapshot{Crons: map[string]CronDef{}, Serial: emptySerial()}
			l.cached = empty
			return empty, badCrons, collisions, nil
		}
		return nil, nil, nil, fmt.Errorf("reading cron directory %s: %w", l.dir, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if filepath.Ext(e.Name()) != ".yaml" && filepath.Ext(e.Name()) != ".yml" {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)

	changed := len(files) != len(l.mtimes)
	newMtimes := make(map[string]time.Time, len(files))
	blobs := make(map[string][]byte, len(files))

	for _, name := range files {
		full := filepath.Join(l.dir, name)
		info, statErr := os.Stat(full)
		if statErr != nil {
			return nil, nil, nil, fmt.Errorf("stat %s: %w", full, statErr)
		}
		newMtimes[name] = info.ModTime()
		if prev, ok := l.mtimes[name]; !ok || !prev.Equal(info.ModTime()) {
			changed = true
		}

		data, readErr := os.ReadFile(full)
		if readErr != nil {
			return nil, nil, nil, fmt.Errorf("reading %s: %w", full, readErr)
		}
		blobs[name] = data
	}

	if !changed && l.cached != nil {
		return l.cached, badCrons, collisions, nil
	}

	crons := make(map[string]CronDef)
	origins := make(map[string]string)
	hasher := sha256.New()

	for _, name := range files {
		data := blobs[name]
		hasher.Write([]byte(name))
		hasher.Write(data)

		var raw map[string]CronDef
		if yamlErr := yaml.Unmarshal(data, &raw); yamlErr != nil {
			badCrons[name] = fmt.Errorf("parsing %s: %w", name, yamlErr)
			continue
		}
		for cronName, def := range raw {
			def.Name = cronName
			if validateErr := def.applyDefaultsAndValidate(); validateErr != nil {
				badCrons[cronName] = validateErr
				continue
			}
			if _, exists := crons[cronName]; exists {
				collisions[cronName] = origins[cronName]
			}
			crons[cronName] = def
			origins[cronName] = name
		}
	}

	snap = &Snapshot{Crons: crons, Serial: hex.EncodeToString(hasher.Sum(nil))}
	l.cached = snap
	l.mtimes = newMtimes
	return snap, badCrons, collisions, nil
}

func emptySerial() string {
	sum := sha256.Sum256(nil)
	return hex.EncodeToString(sum[:])
}
