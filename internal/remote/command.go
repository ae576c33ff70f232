package remote

import (
	"path"
	"strings"

	"github.com/alessio/shellescape"
)

// RemotePath places p under prefix unless it already is there.
// An empty prefix leaves p unchanged.
func RemotePath(prefix, p string) string {
	if prefix == "" {
		return p
	}
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return p
	}
	if p == prefix || strings.HasPrefix(p, prefix+"/") {
		return p
	}
	return path.Join(prefix, p)
}

// ExtractCommand unzips pkg into dest, creating dest first.
func ExtractCommand(pkg, dest string) string {
	return "mkdir -p " + shellescape.Quote(dest) + " && unzip -o " + shellescape.Quote(pkg) + " -d " + shellescape.Quote(dest)
}

// AssembleCommand concatenates parts, in order, into pkg.
func AssembleCommand(parts []string, pkg string) string {
	var b strings.Builder
	b.WriteString("mkdir -p ")
	b.WriteString(shellescape.Quote(path.Dir(pkg)))
	b.WriteString(" && cat")
	for _, p := range parts {
		b.WriteByte(' ')
		b.WriteString(shellescape.Quote(p))
	}
	b.WriteString(" > ")
	b.WriteString(shellescape.Quote(pkg))
	return b.String()
}

// RemoveCommand deletes the given files.
func RemoveCommand(paths ...string) string {
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellescape.Quote(p)
	}
	return "rm -f " + strings.Join(quoted, " ")
}
