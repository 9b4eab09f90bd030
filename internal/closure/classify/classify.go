// Package classify inspects a regular file's leading bytes to decide
// whether it is an interpreter script, a statically linked ELF binary, a
// dynamically linked ELF binary, or plain data. That distinction decides
// whether the dependency closure needs to grow further for that file.
package classify

import (
	"bytes"
	"debug/elf"
	"os"
	"unicode"
)

// Kind is the outcome of classifying one regular file.
type Kind int

const (
	// KindData is any file that is neither a shebang script nor an ELF
	// object with a dynamic section. Nothing further to resolve.
	KindData Kind = iota
	// KindScript is a "#!interpreter [arg]" file; Interpreter names the
	// resolved executable path that must join the closure.
	KindScript
	// KindELFStatic is a statically linked ELF object: no further shared
	// library dependencies to resolve.
	KindELFStatic
	// KindELFDynamic is a dynamically linked ELF object: its shared
	// library dependencies must be resolved (see package depresolve).
	KindELFDynamic
)

// maxHeaderRead bounds the read of the file's leading bytes used to
// decide how to classify it.
const maxHeaderRead = 2048

// Result is the outcome of classifying one file.
type Result struct {
	Kind Kind
	// Interpreter is set only for KindScript: the path named after "#!",
	// up to the first whitespace (any trailing interpreter argument is
	// discarded).
	Interpreter string
}

// File classifies the regular file at path. EACCES/EPERM are treated as
// "nothing to do" (KindData, nil error): a file the caller cannot open due
// to permissions is silently skipped rather than failing the whole run.
func File(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsPermission(err) {
			return Result{Kind: KindData}, nil
		}
		return Result{}, err
	}
	defer f.Close()

	head := make([]byte, maxHeaderRead)
	n, _ := f.Read(head)
	head = head[:n]

	if n >= 2 && head[0] == '#' && head[1] == '!' {
		return Result{Kind: KindScript, Interpreter: parseShebang(head)}, nil
	}

	if n >= 4 && bytes.Equal(head[:4], []byte(elf.ELFMAG)) {
		dynamic, err := isDynamic(f)
		if err != nil {
			return Result{}, err
		}
		if dynamic {
			return Result{Kind: KindELFDynamic}, nil
		}
		return Result{Kind: KindELFStatic}, nil
	}

	return Result{Kind: KindData}, nil
}

// parseShebang extracts the interpreter path from a "#!/path/to/bin arg"
// header: skip whitespace after "#!", then take bytes up to the next
// whitespace.
func parseShebang(head []byte) string {
	i := 2
	for i < len(head) && unicode.IsSpace(rune(head[i])) {
		i++
	}
	start := i
	for i < len(head) && !unicode.IsSpace(rune(head[i])) {
		i++
	}
	return string(head[start:i])
}

// isDynamic parses f as an ELF object (debug/elf reads through ReadAt, so
// the offset left by the header read does not matter) and reports whether
// any section has type SHT_DYNAMIC.
// Deliberately not based on the ELF header's e_type: ET_DYN also covers PIE
// static executables on modern toolchains, which do not have runtime
// library dependencies to resolve despite the e_type match.
func isDynamic(f *os.File) (bool, error) {
	ef, err := elf.NewFile(f)
	if err != nil {
		// Not a well-formed ELF object despite the magic bytes matching;
		// report it as not dynamic (File then returns KindELFStatic) rather
		// than failing the whole traversal.
		return false, nil
	}
	defer ef.Close()

	for _, sec := range ef.Sections {
		if sec.Type == elf.SHT_DYNAMIC {
			return true, nil
		}
	}
	return false, nil
}
