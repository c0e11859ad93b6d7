package taniwha

import (
	log "github.com/sirupsen/logrus"
)

// domainName returns the libvirt domain name for a vm id.
func domainName(vm string) string {
	return "vm-" + vm
}

// logReturnedErr runs a function, typically in a defer, and logs any
// error it returns.
func logReturnedErr(f func() error, fields log.Fields, msg string) {
	if err := f(); err != nil {
		if fields == nil {
			fields = log.Fields{}
		}
		fields["error"] = err
		log.WithFields(fields).Error(msg)
	}
}
