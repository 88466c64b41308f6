//go:build unix

package archive

import "golang.org/x/sys/unix"

// readXattrs returns every extended attribute set on path as a
// name->value map, or nil if the filesystem has none (ENOTSUP and
// similar are treated as "no xattrs" rather than an error).
func readXattrs(path string) map[string]string {
	size, err := unix.Listxattr(path, nil)
	if err != nil || size <= 0 {
		return nil
	}
	buf := make([]byte, size)
	n, err := unix.Listxattr(path, buf)
	if err != nil || n <= 0 {
		return nil
	}

	out := make(map[string]string)
	for _, name := range splitNulTerminated(buf[:n]) {
		vsize, err := unix.Getxattr(path, name, nil)
		if err != nil || vsize <= 0 {
			continue
		}
		val := make([]byte, vsize)
		vn, err := unix.Getxattr(path, name, val)
		if err != nil {
			continue
		}
		out[name] = string(val[:vn])
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func splitNulTerminated(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
