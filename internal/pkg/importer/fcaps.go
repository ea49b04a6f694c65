package importer

import (
	"encoding/binary"
	"strings"

	"github.com/coreos/rpm-ostree/internal/pkg/errdefs"
)

// Kernel VFS capability xattr encoding, revision 2.
const (
	vfsCapRevision2     = 0x02000000
	vfsCapFlagEffective = 0x000001
)

// capBits maps capability names to their kernel bit numbers.
var capBits = map[string]uint{
	"cap_chown": 0, "cap_dac_override": 1, "cap_dac_read_search": 2,
	"cap_fowner": 3, "cap_fsetid": 4, "cap_kill": 5, "cap_setgid": 6,
	"cap_setuid": 7, "cap_setpcap": 8, "cap_linux_immutable": 9,
	"cap_net_bind_service": 10, "cap_net_broadcast": 11, "cap_net_admin": 12,
	"cap_net_raw": 13, "cap_ipc_lock": 14, "cap_ipc_owner": 15,
	"cap_sys_module": 16, "cap_sys_rawio": 17, "cap_sys_chroot": 18,
	"cap_sys_ptrace": 19, "cap_sys_pacct": 20, "cap_sys_admin": 21,
	"cap_sys_boot": 22, "cap_sys_nice": 23, "cap_sys_resource": 24,
	"cap_sys_time": 25, "cap_sys_tty_config": 26, "cap_mknod": 27,
	"cap_lease": 28, "cap_audit_write": 29, "cap_audit_control": 30,
	"cap_setfcap": 31, "cap_mac_override": 32, "cap_mac_admin": 33,
	"cap_syslog": 34, "cap_wake_alarm": 35, "cap_block_suspend": 36,
	"cap_audit_read": 37,
}

// encodeFcaps translates an rpm header capability string such as
// "cap_net_admin,cap_net_raw=ep" into the kernel's on-disk
// security.capability value.
func encodeFcaps(capText string) ([]byte, error) {
	capText = strings.TrimSpace(strings.ToLower(capText))
	if capText == "" {
		return nil, nil
	}

	names, flags, found := strings.Cut(capText, "=")
	if !found {
		return nil, errdefs.Newf(errdefs.RpmParseError, "malformed file capability %q", capText)
	}

	var permitted, inheritable uint64
	effective := false
	for _, f := range flags {
		switch f {
		case 'p':
			// accumulated below
		case 'e':
			effective = true
		case 'i':
			// accumulated below
		default:
			return nil, errdefs.Newf(errdefs.RpmParseError, "unknown capability flag %q in %q", string(f), capText)
		}
	}

	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		bit, ok := capBits[name]
		if !ok {
			return nil, errdefs.Newf(errdefs.RpmParseError, "unknown capability %q", name)
		}
		if strings.ContainsRune(flags, 'p') || effective {
			permitted |= 1 << bit
		}
		if strings.ContainsRune(flags, 'i') {
			inheritable |= 1 << bit
		}
	}

	magic := uint32(vfsCapRevision2)
	if effective {
		magic |= vfsCapFlagEffective
	}

	buf := make([]byte, 20)
	binary.LittleEndian.PutUint32(buf[0:], magic)
	binary.LittleEndian.PutUint32(buf[4:], uint32(permitted&0xffffffff))
	binary.LittleEndian.PutUint32(buf[8:], uint32(inheritable&0xffffffff))
	binary.LittleEndian.PutUint32(buf[12:], uint32(permitted>>32))
	binary.LittleEndian.PutUint32(buf[16:], uint32(inheritable>>32))
	return buf, nil
}
