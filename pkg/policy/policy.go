// Package policy assembles the final JSON document: the union of
// capabilities a namespace needed, the filesystem access its strace log
// recorded, the D-Bus methods it issued, and a snapshot of the
// environment it ran with.
package policy

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/capable-tools/capable/pkg/capset"
	"github.com/capable-tools/capable/pkg/strace"
)

// Document is the emitted policy. encoding/json is used deliberately
// here: the output format is JSON by requirement, not a choice between
// formats, so there is no serialization library to swap in.
type Document struct {
	Capabilities []string          `json:"capabilities"`
	Files        map[string]string `json:"files"`
	Dbus         []string          `json:"dbus"`
	EnvVars      map[string]string `json:"env_vars"`
}

// Build assembles a Document from the union capability set, the decoded
// strace path -> Access map, the D-Bus "interface.method" list, and the
// running process's own environment.
//
// sawPtrace re-adds CAP_SYS_PTRACE to the reported capability set when
// the strace log observed an actual ptrace(2) call: the kprobe
// aggregator unconditionally drops SYS_PTRACE as a stack-filter rule
// (the launcher itself needs it to read the child's namespace before
// the child has had a chance to use it), so the strace log is the only
// source of truth for whether the launched command used it.
func Build(caps capset.Set, sawPtrace bool, files map[string]strace.Access, dbusMethods []string, env []string) Document {
	if sawPtrace {
		caps = caps.Add(capset.SYS_PTRACE)
	}

	fileMap := make(map[string]string, len(files))
	for path, access := range files {
		fileMap[path] = access.String()
	}

	envMap := make(map[string]string, len(env))
	for _, kv := range env {
		key, value, ok := splitEnv(kv)
		if ok {
			envMap[key] = value
		}
	}

	dbus := dbusMethods
	if dbus == nil {
		dbus = []string{}
	}

	return Document{
		Capabilities: caps.ToPolicyList(),
		Files:        fileMap,
		Dbus:         dbus,
		EnvVars:      envMap,
	}
}

func splitEnv(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

// Write renders doc as indented JSON to w.
func Write(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}

// WriteFile renders doc as indented JSON to a newly created file at
// path, for use with --output.
func WriteFile(path string, doc Document) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create policy output %s: %w", path, err)
	}
	defer f.Close()
	return Write(f, doc)
}
