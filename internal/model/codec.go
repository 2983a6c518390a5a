package model

import "strings"

// ScriptExtensions are the two extensions a script file may carry on
// disk. A watched or classified filename ending in .lua is treated as
// if it ended in .luau before any further parsing, per the
// normalization rule in the identity codec.
const (
	ExtLuau = ".luau"
	ExtLua  = ".lua"
)

// illegalChars are the filesystem-illegal characters sanitized out of a
// logical name before it is used as a path segment on disk. Sanitization
// is one-way: the node's canonical Name is never overwritten by the
// sanitized form.
const illegalChars = `<>:"|?*`

// Sanitize replaces filesystem-illegal characters in name with "_". It
// does not touch path separators; callers sanitize one segment at a
// time.
func Sanitize(name string) string {
	if !strings.ContainsAny(name, illegalChars) {
		return name
	}
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if strings.ContainsRune(illegalChars, r) {
			b.WriteByte('_')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// normalizeExt rewrites a trailing .lua to .luau, leaving any other
// extension (including .luau itself) untouched.
func normalizeExt(fileName string) string {
	if strings.HasSuffix(fileName, ExtLua) && !strings.HasSuffix(fileName, ExtLuau) {
		return strings.TrimSuffix(fileName, ExtLua) + ExtLuau
	}
	return fileName
}

// ClassifyFile splits a script filename into the node class it encodes
// and the logical name to use in the tree. The filename is first
// normalized (.lua -> .luau) and has its extension stripped.
//
// Suffix rules, applied to the base name before the extension:
//
//	.server -> Script (server-run)
//	.client -> LocalScript (client-run)
//	.module -> ModuleScript
//	(none)  -> ModuleScript
func ClassifyFile(fileName string) (class Class, logicalName string) {
	base := strings.TrimSuffix(normalizeExt(fileName), ExtLuau)

	switch {
	case strings.HasSuffix(base, ".server"):
		return ClassScript, strings.TrimSuffix(base, ".server")
	case strings.HasSuffix(base, ".client"):
		return ClassLocalScript, strings.TrimSuffix(base, ".client")
	case strings.HasSuffix(base, ".module"):
		return ClassModuleScript, strings.TrimSuffix(base, ".module")
	default:
		return ClassModuleScript, base
	}
}

// classSuffix returns the filename suffix (before the script extension)
// that encodes class, or "" for ModuleScript, which has no suffix.
func classSuffix(class Class) string {
	switch class {
	case ClassScript:
		return ".server"
	case ClassLocalScript:
		return ".client"
	default:
		return ""
	}
}

// EncodeFile synthesizes the on-disk filename for a script node.
//
// parentName is the logical name of the node's containing directory. When
// name equals parentName (a "container collapse"), the file is named
// init<suffix><ext> and is understood to live inside the same-named
// directory rather than beside it.
func EncodeFile(class Class, name, parentName, ext string) string {
	suffix := classSuffix(class)
	if name == parentName {
		return "init" + suffix + ext
	}
	return Sanitize(name) + suffix + ext
}

// IsScriptFile reports whether fileName carries one of the two
// recognized script extensions.
func IsScriptFile(fileName string) bool {
	return strings.HasSuffix(fileName, ExtLuau) || strings.HasSuffix(fileName, ExtLua)
}

// IsInitFile reports whether base (a file's base name, not its full
// path) is an init script: init.luau, init.server.luau,
// init.client.luau, init.module.luau, or their .lua equivalents.
func IsInitFile(base string) bool {
	if !IsScriptFile(base) {
		return false
	}
	_, name := ClassifyFile(base)
	return name == "init"
}
