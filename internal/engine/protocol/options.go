package protocol

import "fmt"

// TCP option kinds understood by the engine.
const (
	OptionEnd       = 0
	OptionNop       = 1
	OptionMSS       = 2
	OptionWScale    = 3
	OptionSackPerm  = 4
	OptionSack      = 5
	OptionTimestamp = 8
)

// WalkOptions calls fn with every option in opts, kind and length bytes
// included, until fn returns false or the end-of-list option is reached.
func WalkOptions(opts []byte, fn func(kind byte, opt []byte) bool) error {
	for i := 0; i < len(opts); {
		switch opts[i] {
		case OptionEnd:
			return nil
		case OptionNop:
			i++
			continue
		}
		if i+1 >= len(opts) {
			return fmt.Errorf("%w: kind %d truncated at %d", ErrMalformedOption, opts[i], i)
		}
		size := int(opts[i+1])
		if size < 2 || i+size > len(opts) {
			return fmt.Errorf("%w: kind %d length %d at %d", ErrMalformedOption, opts[i], size, i)
		}
		if !fn(opts[i], opts[i:i+size]) {
			return nil
		}
		i += size
	}
	return nil
}
