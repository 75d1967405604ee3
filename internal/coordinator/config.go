package coordinator

import "regexp"

// Config holds the tunables the Coordinator needs out of the daemon's
// configuration file (see internal/config).
type Config struct {
	ChunkSize            int
	VCodec               string
	ACodec               string
	CRF                  int
	ABitRate             string
	TempFolder           string
	FinalExtension       string
	ResultFileSuffix     string
	FilenameMatchPattern *regexp.Regexp
}
