package minidaq

import (
	"unsafe"
)

// rawTypeToBytes converts a []RawType to []byte without copying, using
// unsafe.Slice. The result aliases the input and is valid only as long as
// the input is.
func rawTypeToBytes(in []RawType) []byte {
	if len(in) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(in)) * unsafe.Sizeof(in[0]) / unsafe.Sizeof(byte(0))
	return unsafe.Slice((*byte)(unsafe.Pointer(&in[0])), outlength)
}

// bytesToRawType converts a []byte back to []RawType without copying. The
// byte slice length must be a multiple of the RawType size.
func bytesToRawType(in []byte) []RawType {
	if len(in) == 0 {
		return []RawType{}
	}
	outlength := uintptr(len(in)) * unsafe.Sizeof(in[0]) / unsafe.Sizeof(RawType(0))
	return unsafe.Slice((*RawType)(unsafe.Pointer(&in[0])), outlength)
}
