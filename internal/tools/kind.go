// Package tools is the typed registry of operations an agent may invoke.
package tools

// Kind identifies a tool. Dispatch switches over Kind are exhaustive so a
// new tool cannot be added without deciding each of its properties.
type Kind int

const (
	KindUnknown Kind = iota
	KindReadFile
	KindListFiles
	KindSearchFiles
	KindWriteFile
	KindDeleteFile
	KindUpdateTasks
)

// AllKinds lists every real tool kind.
var AllKinds = []Kind{
	KindReadFile,
	KindListFiles,
	KindSearchFiles,
	KindWriteFile,
	KindDeleteFile,
	KindUpdateTasks,
}

func (k Kind) String() string {
	switch k {
	case KindReadFile:
		return "read_file"
	case KindListFiles:
		return "list_files"
	case KindSearchFiles:
		return "search_files"
	case KindWriteFile:
		return "write_file"
	case KindDeleteFile:
		return "delete_file"
	case KindUpdateTasks:
		return "update_tasks"
	case KindUnknown:
		return "unknown"
	}
	return "unknown"
}

// ParseKind resolves a model-supplied tool name.
func ParseKind(name string) (Kind, bool) {
	for _, k := range AllKinds {
		if k.String() == name {
			return k, true
		}
	}
	return KindUnknown, false
}

// ReadOnly reports whether the tool leaves the workspace untouched, which
// makes its results safe to cache within a run.
func (k Kind) ReadOnly() bool {
	switch k {
	case KindReadFile, KindListFiles, KindSearchFiles:
		return true
	case KindWriteFile, KindDeleteFile, KindUpdateTasks, KindUnknown:
		return false
	}
	return false
}

// DefaultSensitive reports whether the tool needs human approval when no
// configuration overrides it.
func (k Kind) DefaultSensitive() bool {
	switch k {
	case KindWriteFile, KindDeleteFile:
		return true
	case KindReadFile, KindListFiles, KindSearchFiles, KindUpdateTasks, KindUnknown:
		return false
	}
	return false
}
