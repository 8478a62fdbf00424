// Package config implements the Configuration Intake (§4.H): loading job
// class definitions from YAML files on disk and watching their directory so
// that edits, additions, and removals reach the class.Registry without a
// restart.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tjper/initd/internal/fsnotify"
	"github.com/tjper/initd/internal/jobworker/class"
	"github.com/tjper/initd/internal/jobworker/limits"
	"github.com/tjper/initd/internal/log"

	"gopkg.in/yaml.v3"
)

// logger is an object for logging package events to stdout.
var logger = log.New(os.Stdout, "config")

// Ext is the file extension a class definition must carry to be loaded.
const Ext = ".conf"

// ClassLoader is the sink a Loader feeds as files are discovered, changed,
// or removed (§4.H "on_class_loaded(path, JobClass)" / "on_class_unloaded(path)").
type ClassLoader interface {
	// OnClassLoaded registers or supersedes the class parsed from path.
	OnClassLoaded(path string, c *class.Class)
	// OnClassUnloaded removes the class that had been loaded from path.
	OnClassUnloaded(path string)
}

// file is the on-disk shape of a job class definition. Field names match
// upstart's stanza vocabulary lower-cased, per original_source/upstart-0.6.7's
// init/job_class.c and init/parse_job.c.
type file struct {
	Description string `yaml:"description"`

	Exec      string   `yaml:"exec"`
	Script    string   `yaml:"script"`
	PreStart  *process `yaml:"pre-start"`
	PostStart *process `yaml:"post-start"`
	PreStop   *process `yaml:"pre-stop"`
	PostStop  *process `yaml:"post-stop"`

	StartOn string `yaml:"start_on"`
	StopOn  string `yaml:"stop_on"`

	Instance string `yaml:"instance"`

	Expect  string `yaml:"expect"`
	Respawn bool   `yaml:"respawn"`
	Task    bool   `yaml:"task"`

	RespawnLimit *struct {
		Count    int `yaml:"count"`
		Interval int `yaml:"interval"`
	} `yaml:"respawn_limit"`
	NormalExit []int `yaml:"normal_exit"`

	KillTimeout int `yaml:"kill_timeout"`

	Console string `yaml:"console"`

	Limits map[string]struct {
		Soft uint64 `yaml:"soft"`
		Hard uint64 `yaml:"hard"`
	} `yaml:"limit"`
	Umask  *uint32 `yaml:"umask"`
	Nice   *int    `yaml:"nice"`
	OOMAdj *int    `yaml:"oom_score_adj"`
	Chroot string  `yaml:"chroot"`
	Chdir  string  `yaml:"chdir"`
}

type process struct {
	Exec   string `yaml:"exec"`
	Script string `yaml:"script"`
}

func (p *process) toClassProcess() class.Process {
	if p == nil {
		return class.Process{}
	}
	if p.Script != "" {
		return class.Process{Defined: true, Command: p.Script, Script: true}
	}
	return class.Process{Defined: true, Command: p.Exec}
}

// Parse decodes a single job class definition. name is the class name,
// normally the file's base name with Ext stripped.
func Parse(name string, data []byte) (*class.Class, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse class %q: %w", name, err)
	}

	c := &class.Class{
		Name:        name,
		Description: f.Description,
		Processes:   make(map[class.Kind]class.Process),
		Respawn:     f.Respawn,
		Task:        f.Task,
		NormalExit:  f.NormalExit,
		KillTimeout: f.KillTimeout,
		Umask:       f.Umask,
		Nice:        f.Nice,
		OOMAdj:      f.OOMAdj,
		Chroot:      f.Chroot,
		Chdir:       f.Chdir,
		Instance:    f.Instance,
	}

	switch {
	case f.Script != "":
		c.Processes[class.Main] = class.Process{Defined: true, Command: f.Script, Script: true}
	case f.Exec != "":
		c.Processes[class.Main] = class.Process{Defined: true, Command: f.Exec}
	default:
		return nil, fmt.Errorf("parse class %q: no exec or script", name)
	}
	if p := f.PreStart.toClassProcess(); p.Defined {
		c.Processes[class.PreStart] = p
	}
	if p := f.PostStart.toClassProcess(); p.Defined {
		c.Processes[class.PostStart] = p
	}
	if p := f.PreStop.toClassProcess(); p.Defined {
		c.Processes[class.PreStop] = p
	}
	if p := f.PostStop.toClassProcess(); p.Defined {
		c.Processes[class.PostStop] = p
	}

	if f.StartOn != "" {
		expr, err := parseExpr(f.StartOn)
		if err != nil {
			return nil, fmt.Errorf("parse class %q start_on: %w", name, err)
		}
		c.StartOn = expr
	}
	if f.StopOn != "" {
		expr, err := parseExpr(f.StopOn)
		if err != nil {
			return nil, fmt.Errorf("parse class %q stop_on: %w", name, err)
		}
		c.StopOn = expr
	}

	switch f.Expect {
	case "stop":
		c.Expect = class.ExpectStop
	case "fork":
		c.Expect = class.ExpectFork
	case "daemon":
		c.Expect = class.ExpectDaemon
	default:
		c.Expect = class.ExpectNone
	}

	switch f.Console {
	case "output":
		c.Console = class.ConsoleOutput
	case "owner":
		c.Console = class.ConsoleOwner
	case "logged":
		c.Console = class.ConsoleLogged
	default:
		c.Console = class.ConsoleNone
	}

	if f.RespawnLimit != nil {
		c.RespawnLimit = class.RespawnLimit{Count: f.RespawnLimit.Count, Interval: f.RespawnLimit.Interval}
	}

	if len(f.Limits) > 0 {
		c.Limits = make(limits.Table, len(f.Limits))
		for limName, lim := range f.Limits {
			res, err := limits.Parse(limName)
			if err != nil {
				return nil, fmt.Errorf("parse class %q limit: %w", name, err)
			}
			c.Limits[res] = limits.Limit{Cur: lim.Soft, Max: lim.Hard}
		}
	}

	return c, nil
}

// parseExpr parses a restricted "and"/"or"/"not" infix expression over
// `EVENT [KEY=VALUE ...]` terms, e.g. "started net-device-up and (local-filesystems or remote-filesystems)".
// It is a small recursive-descent parser; operator precedence is not/and/or,
// with parentheses for grouping, matching init/parse_job.c's expect stanza
// grammar closely enough for the class formats this daemon accepts.
func parseExpr(s string) (class.Expression, error) {
	toks := tokenize(s)
	p := &exprParser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.toks) {
		return nil, fmt.Errorf("unexpected token %q", p.toks[p.pos])
	}
	return expr, nil
}

func tokenize(s string) []string {
	s = strings.ReplaceAll(s, "(", " ( ")
	s = strings.ReplaceAll(s, ")", " ) ")
	return strings.Fields(s)
}

type exprParser struct {
	toks []string
	pos  int
}

func (p *exprParser) peek() string {
	if p.pos >= len(p.toks) {
		return ""
	}
	return p.toks[p.pos]
}

func (p *exprParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *exprParser) parseOr() (class.Expression, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = class.Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (class.Expression, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = class.And{Left: left, Right: right}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (class.Expression, error) {
	if strings.EqualFold(p.peek(), "not") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return class.Not{Expr: inner}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (class.Expression, error) {
	if p.peek() == "(" {
		p.next()
		expr, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.peek() != ")" {
			return nil, fmt.Errorf("expected ')'")
		}
		p.next()
		return expr, nil
	}

	name := p.next()
	if name == "" {
		return nil, fmt.Errorf("expected event name")
	}
	args := make(map[string]string)
	for {
		tok := p.peek()
		if tok == "" || strings.EqualFold(tok, "and") || strings.EqualFold(tok, "or") || tok == ")" {
			break
		}
		p.next()
		if i := strings.IndexByte(tok, '='); i >= 0 {
			args[tok[:i]] = tok[i+1:]
		}
	}
	return class.EventMatch{Name: name, Args: args}, nil
}

// Loader loads job class definitions from a directory and pushes updates to
// a ClassLoader as files are added, changed, or removed (§4.H).
type Loader struct {
	dir    string
	sink   ClassLoader
	loaded map[string]string // path -> class name
}

// NewLoader creates a Loader rooted at dir.
func NewLoader(dir string, sink ClassLoader) *Loader {
	return &Loader{dir: dir, sink: sink, loaded: make(map[string]string)}
}

// LoadAll performs an initial full scan of dir, loading every *.conf file
// found. It is intended to run once at startup, before the directory watch
// begins (§6 "load configuration before emitting startup").
func (l *Loader) LoadAll() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("read config dir %s: %w", l.dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		if err := l.reload(path); err != nil {
			logger.Errorf("load class file; path: %s, error: %s", path, err)
		}
	}
	return nil
}

// HandleChange reacts to a single changed or removed path, as reported by a
// directory watcher. A missing file unloads its class; an existing one is
// (re)parsed and loaded, superseding any prior class at the same path.
func (l *Loader) HandleChange(path string) {
	if filepath.Ext(path) != Ext {
		return
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		l.unload(path)
		return
	}
	if err := l.reload(path); err != nil {
		logger.Errorf("reload class file; path: %s, error: %s", path, err)
	}
}

func (l *Loader) reload(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	name := strings.TrimSuffix(filepath.Base(path), Ext)
	c, err := Parse(name, data)
	if err != nil {
		return err
	}
	l.loaded[path] = name
	l.sink.OnClassLoaded(path, c)
	return nil
}

func (l *Loader) unload(path string) {
	if _, ok := l.loaded[path]; !ok {
		return
	}
	delete(l.loaded, path)
	l.sink.OnClassUnloaded(path)
}

// Watch watches the Loader's directory for create/write/remove activity and
// rescans it on each notification, until ctx is canceled. The teacher's
// fsnotify package reports directory-level events without the changed
// child's name, so each notification triggers a full reconcile rather than
// a single-file reload; LoadAll should be called once before Watch begins.
func (l *Loader) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config dir %s: %w", l.dir, err)
	}
	defer w.Close()

	if _, err := w.AddWatch(l.dir); err != nil {
		return fmt.Errorf("watch config dir %s: %w", l.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-w.Events:
			if !ok {
				return nil
			}
			l.reconcile()
		}
	}
}

// reconcile diffs the directory's current *.conf files against what is
// loaded, loading new/changed files and unloading removed ones.
func (l *Loader) reconcile() {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		logger.Errorf("reconcile config dir; path: %s, error: %s", l.dir, err)
		return
	}

	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != Ext {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		seen[path] = true
		if err := l.reload(path); err != nil {
			logger.Errorf("reload class file; path: %s, error: %s", path, err)
		}
	}

	for path := range l.loaded {
		if !seen[path] {
			l.unload(path)
		}
	}
}
