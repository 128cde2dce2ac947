package media

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/andresmejia3/puppysense/internal/utils"
	"github.com/cockroachdb/errors"
)

// Metadata is what the sampler needs to know about a video before seeking.
type Metadata struct {
	Duration   float64
	Width      int
	Height     int
	FormatName string
	Codec      string
}

// Prober loads container metadata.
type Prober interface {
	Probe(ctx context.Context, path string) (Metadata, error)
}

// FFProbe shells out to ffprobe.
type FFProbe struct {
	Bin string
}

func (p FFProbe) Probe(ctx context.Context, path string) (Metadata, error) {
	bin := p.Bin
	if bin == "" {
		bin = "ffprobe"
	}
	cmd := utils.NewSafeCommandContext(ctx, bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "format=duration,format_name:stream=width,height,codec_name,duration",
		"-of", "json",
		path)
	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return Metadata{}, errors.Wrap(ctx.Err(), "ffprobe")
		}
		return Metadata{}, err
	}
	return parseProbe(out)
}

// Helper struct for structured JSON parsing
type ffprobeOutput struct {
	Streams []struct {
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		CodecName string `json:"codec_name"`
		Duration  string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
	} `json:"format"`
}

// parseProbe prefers the container duration and falls back to the stream's.
// Live-recorded WebM often reports "N/A" for one of them.
func parseProbe(out []byte) (Metadata, error) {
	var res ffprobeOutput
	if err := json.Unmarshal(out, &res); err != nil {
		return Metadata{}, errors.Wrap(err, "ffprobe JSON parse error")
	}
	if len(res.Streams) == 0 {
		return Metadata{}, errors.New("no video stream found")
	}

	s := res.Streams[0]
	md := Metadata{
		Width:      s.Width,
		Height:     s.Height,
		Codec:      s.CodecName,
		FormatName: res.Format.FormatName,
	}
	for _, raw := range []string{res.Format.Duration, s.Duration} {
		if d, err := strconv.ParseFloat(raw, 64); err == nil && d > 0 {
			md.Duration = d
			break
		}
	}
	return md, nil
}
