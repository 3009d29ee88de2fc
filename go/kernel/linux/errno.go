package linux

const (
	EPERM  = 1
	EBADF  = 9
	EIO    = 5
	ENOMEM = 12
	EFAULT = 14
	ENODEV = 19
	EINVAL = 22
	ENOSYS = 38
)

func errno(e int) uint64 {
	return uint64(-int64(e))
}
