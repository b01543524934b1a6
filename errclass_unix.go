//go:build unix

package drowsynet

import "golang.org/x/sys/unix"

const (
	errECANCELED    = unix.ECANCELED
	errECONNABORTED = unix.ECONNABORTED
	errECONNRESET   = unix.ECONNRESET
	errEHOSTUNREACH = unix.EHOSTUNREACH
	errEMFILE       = unix.EMFILE
	errENETDOWN     = unix.ENETDOWN
	errENETUNREACH  = unix.ENETUNREACH
	errENFILE       = unix.ENFILE
	errENOBUFS      = unix.ENOBUFS
	errENOTCONN     = unix.ENOTCONN
	errEPIPE        = unix.EPIPE
	errETIMEDOUT    = unix.ETIMEDOUT
)
