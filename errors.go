package flute

import "errors"

var (
	ErrMalformedPacket  = errors.New("packet fields inconsistent or truncated")
	ErrUnknownExtension = errors.New("unknown LCT header extension")
	ErrFDTParse         = errors.New("FDT instance could not be parsed")
	ErrFECDecodeFailure = errors.New("source block could not be decoded")
	ErrContentEncoding  = errors.New("content encoding could not be reversed")
	ErrIntegrity        = errors.New("content MD5 does not match")
	ErrBufferOverflow   = errors.New("parked packet budget exceeded")
	ErrConfig           = errors.New("invalid configuration")
	ErrTransportClosed  = errors.New("session was closed")
	ErrObjectNotFound   = errors.New("object is not registered")
)
