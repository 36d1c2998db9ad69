// Package cmdline parses the kernel command line: a single string of
// whitespace-separated tokens passed in by the bootloader, each either
// a bare key ("nosmp"), a key=value pair ("root=/dev/sda1"), or a
// dotted key scoping a subsystem's own option ("debug.vfs=true").
//
// There is no fixed schema to validate against up front — boot
// parameters accrue across subsystems over the kernel's life, and each
// subsystem only cares about its own keys. So instead of a static
// pflag.FlagSet wired up once with every flag every package might ever
// want, Parse grows the set as it scans: the first time it sees a
// token, it registers a flag for it (Bool for a bare key, String for
// key=value), then lets pflag.FlagSet.ParseAll assign the value. Later
// callers read back whatever key they're interested in through Bool,
// String, Has, or Sub.
package cmdline

import (
	"strings"

	"github.com/spf13/pflag"
)

// Args holds the parsed command line, queryable by key.
type Args struct {
	fs *pflag.FlagSet
}

// Parse splits line on whitespace and parses it into an Args, growing
// the underlying flag set one flag per distinct key encountered.
//
// A bare token ("nosmp") registers as a bool flag defaulting to true.
// A key=value token ("root=/dev/sda1") registers as a string flag. A
// repeated key overwrites the earlier value, matching how a bootloader
// config with an appended override ("foo=1 ... foo=2") is expected to
// behave.
func Parse(line string) (*Args, error) {
	fields := strings.Fields(line)

	fs := pflag.NewFlagSet("cmdline", pflag.ContinueOnError)
	fs.ParseErrorsWhitelist.UnknownFlags = false

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		name, value, hasValue := strings.Cut(f, "=")
		if name == "" {
			continue
		}
		if fs.Lookup(name) == nil {
			if hasValue {
				fs.String(name, "", "")
			} else {
				fs.Bool(name, false, "")
			}
		}
		tokens = append(tokens, "--"+f)
	}

	// Every flag referenced in tokens was just registered above, so the
	// only thing ParseAll's callback needs to do is store the value
	// pflag already parsed out for us.
	err := fs.ParseAll(tokens, func(flag *pflag.Flag, value string) error {
		return fs.Set(flag.Name, value)
	})
	if err != nil {
		return nil, err
	}
	return &Args{fs: fs}, nil
}

// Bool reports whether key was present on the command line, bare or
// otherwise. A key never seen reports false.
func (a *Args) Bool(key string) bool {
	f := a.fs.Lookup(key)
	if f == nil {
		return false
	}
	if f.Value.Type() == "bool" {
		v, _ := a.fs.GetBool(key)
		return v
	}
	return f.Value.String() != ""
}

// String returns key's value, or "" if key was never seen or was a
// bare boolean token.
func (a *Args) String(key string) string {
	f := a.fs.Lookup(key)
	if f == nil || f.Value.Type() != "string" {
		return ""
	}
	v, _ := a.fs.GetString(key)
	return v
}

// Has reports whether key appeared anywhere on the command line.
func (a *Args) Has(key string) bool {
	return a.fs.Lookup(key) != nil
}

// Sub returns the values of every dotted key under prefix ("debug."
// for "debug.vfs", "debug.sched", ...), keyed by the remainder after
// the dot. Subsystems use this to pick up every option scoped to them
// without the kernel command line parser needing to know their names
// in advance.
func (a *Args) Sub(prefix string) map[string]string {
	out := make(map[string]string)
	a.fs.VisitAll(func(f *pflag.Flag) {
		rest, ok := strings.CutPrefix(f.Name, prefix+".")
		if !ok {
			return
		}
		if f.Value.Type() == "bool" {
			if v, _ := a.fs.GetBool(f.Name); v {
				out[rest] = "true"
			}
			return
		}
		out[rest] = f.Value.String()
	})
	return out
}
