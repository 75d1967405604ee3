// Package rpcproto defines the RPC method names and typed message shapes
// exchanged between workers and the coordinator, translating
// IMediaArchiverServer.hpp / RpcFunctions.hpp from the original daemon.
package rpcproto

import "mediarchiver/internal/wire"

// Method names bound by the RPC server and called by workers.
const (
	MethodGetVersion   = "getVersion"
	MethodAuthenticate = "authenticate"
	MethodReset        = "reset"
	MethodAbort        = "abort"
	MethodGetNextFile  = "getNextFile"
	MethodReadChunk    = "readChunk"
	MethodPostFile     = "postFile"
	MethodWriteChunk   = "writeChunk"
)

// ProtocolVersion is returned verbatim by getVersion.
const ProtocolVersion uint32 = 1

// Encoding result codes, matching EncodingResultInfo::EncodingResult.
type Result int8

const (
	ResultStarted        Result = 1
	ResultOK             Result = 5
	ResultNotStarted     Result = 0
	ResultRetriableError Result = -1
	ResultServerIOError  Result = -9
	ResultUnknownError   Result = -50
	ResultPermanentError Result = -100
)

// IsRetriable reports whether status falls in the retriable range [-99,-1].
func (r Result) IsRetriable() bool { return r <= -1 && r >= -99 }

// MediaFileRequirements is the filter a worker passes to getNextFile.
type MediaFileRequirements struct {
	EncoderType string
	MaxFileSize int64
}

func (f MediaFileRequirements) Encode(e *wire.Encoder) {
	e.ArrayHeader(2)
	e.String(f.EncoderType)
	e.Int(f.MaxFileSize)
}

func DecodeMediaFileRequirements(d *wire.Decoder) (MediaFileRequirements, error) {
	var f MediaFileRequirements
	if _, err := d.ArrayHeader(); err != nil {
		return f, err
	}
	var err error
	if f.EncoderType, err = d.String(); err != nil {
		return f, err
	}
	if f.MaxFileSize, err = d.Int(); err != nil {
		return f, err
	}
	return f, nil
}

// MediaEncoderSettings is the job description returned by getNextFile.
// FileLength == 0 is the sentinel for "no job available".
type MediaEncoderSettings struct {
	FileLength            int64
	EncoderType           string
	FileExtension         string
	FinalExtension        string
	CommandLineParameters string
}

func (s MediaEncoderSettings) Encode(e *wire.Encoder) {
	e.ArrayHeader(5)
	e.Int(s.FileLength)
	e.String(s.EncoderType)
	e.String(s.FileExtension)
	e.String(s.FinalExtension)
	e.String(s.CommandLineParameters)
}

func DecodeMediaEncoderSettings(d *wire.Decoder) (MediaEncoderSettings, error) {
	var s MediaEncoderSettings
	if _, err := d.ArrayHeader(); err != nil {
		return s, err
	}
	var err error
	if s.FileLength, err = d.Int(); err != nil {
		return s, err
	}
	if s.EncoderType, err = d.String(); err != nil {
		return s, err
	}
	if s.FileExtension, err = d.String(); err != nil {
		return s, err
	}
	if s.FinalExtension, err = d.String(); err != nil {
		return s, err
	}
	if s.CommandLineParameters, err = d.String(); err != nil {
		return s, err
	}
	return s, nil
}

// EncodingResultInfo is what a worker posts after attempting to encode.
type EncodingResultInfo struct {
	Status     Result
	FileLength int64
	Error      string
}

func (r EncodingResultInfo) Encode(e *wire.Encoder) {
	e.ArrayHeader(3)
	e.Int(int64(r.Status))
	e.Int(r.FileLength)
	e.String(r.Error)
}

func DecodeEncodingResultInfo(d *wire.Decoder) (EncodingResultInfo, error) {
	var r EncodingResultInfo
	if _, err := d.ArrayHeader(); err != nil {
		return r, err
	}
	status, err := d.Int()
	if err != nil {
		return r, err
	}
	r.Status = Result(status)
	if r.FileLength, err = d.Int(); err != nil {
		return r, err
	}
	if r.Error, err = d.String(); err != nil {
		return r, err
	}
	return r, nil
}
