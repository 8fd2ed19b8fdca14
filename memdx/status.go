package memdx

// Status is the value carried in a response header's vbucket/status
// field, per spec.md §6.
type Status uint16

const (
	StatusSuccess                    Status = 0x0000
	StatusKeyNotFound                Status = 0x0001
	StatusKeyExists                  Status = 0x0002
	StatusTooBig                     Status = 0x0003
	StatusInvalidArgs                Status = 0x0004
	StatusNotStored                  Status = 0x0005
	StatusDeltaBadVal                Status = 0x0006
	StatusNotMyVBucket               Status = 0x0007
	StatusAuthError                  Status = 0x0020
	StatusAuthContinue               Status = 0x0021
	StatusUnknownCommand             Status = 0x0081
	StatusOutOfMemory                Status = 0x0082
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusKeyNotFound:
		return "KEY_ENOENT"
	case StatusKeyExists:
		return "KEY_EEXISTS"
	case StatusTooBig:
		return "E2BIG"
	case StatusInvalidArgs:
		return "EINVAL"
	case StatusNotStored:
		return "NOT_STORED"
	case StatusDeltaBadVal:
		return "DELTA_BADVAL"
	case StatusNotMyVBucket:
		return "NOT_MY_VBUCKET"
	case StatusAuthError:
		return "AUTH_ERROR"
	case StatusAuthContinue:
		return "AUTH_CONTINUE"
	case StatusUnknownCommand:
		return "UNKNOWN_COMMAND"
	case StatusOutOfMemory:
		return "ENOMEM"
	default:
		return "UNKNOWN_STATUS"
	}
}
