//go:build windows

package drowsynet

import "golang.org/x/sys/windows"

const (
	errECANCELED    = windows.ERROR_OPERATION_ABORTED
	errECONNABORTED = windows.WSAECONNABORTED
	errECONNRESET   = windows.WSAECONNRESET
	errEHOSTUNREACH = windows.WSAEHOSTUNREACH
	errEMFILE       = windows.ERROR_TOO_MANY_OPEN_FILES
	errENETDOWN     = windows.WSAENETDOWN
	errENETUNREACH  = windows.WSAENETUNREACH
	errENFILE       = windows.ERROR_TOO_MANY_OPEN_FILES
	errENOBUFS      = windows.WSAENOBUFS
	errENOTCONN     = windows.WSAENOTCONN
	errEPIPE        = windows.ERROR_BROKEN_PIPE
	errETIMEDOUT    = windows.WSAETIMEDOUT
)
