// SPDX-License-Identifier: MIT

package encoder

import "fmt"

// Params collects the encoder-independent settings an ArgBuilder needs to
// assemble a full command line.
type Params struct {
	Width, Height int
	FPS           int
	BitrateBPS    int
	CRF           int
	Preset        string
	Codec         string // h264|h265|vp9|av1
	SegmentSeconds int
	OutputPattern string // e.g. "/clips/session-abc/seg-%06d.mp4"
	SegmentStartNumber int // first ordinal to write; lets a resumed encoder
	                       // continue a session's numbering instead of
	                       // colliding with segments written before a pause
}

// ArgBuilder assembles the ffmpeg argument list for one encoder family.
// Keeping this as a strategy interface (rather than one large switch) is
// what lets the software/nvenc/amf/qsv families be added, tested, and
// swapped independently.
type ArgBuilder interface {
	// Name identifies the encoder family, used in config and logs.
	Name() string

	// BuildArgs returns the full ffmpeg argument list (excluding the
	// "ffmpeg" program name itself) for a session raw-BGRA stdin input
	// segmented into fixed-length output files.
	BuildArgs(p Params) ([]string, error)
}

// inputArgs returns the argument prefix common to every encoder family: a
// raw BGRA video stream read from stdin at the given resolution/rate.
func inputArgs(p Params) []string {
	return []string{
		"-f", "rawvideo",
		"-pixel_format", "bgra",
		"-video_size", fmt.Sprintf("%dx%d", p.Width, p.Height),
		"-framerate", fmt.Sprintf("%d", p.FPS),
		"-i", "pipe:0",
	}
}

// segmentArgs returns the ffmpeg segment-muxer arguments that split encoder
// output into fixed-length files named by OutputPattern.
func segmentArgs(p Params) []string {
	args := []string{
		"-f", "segment",
		"-segment_time", fmt.Sprintf("%d", p.SegmentSeconds),
		"-segment_format", "mp4",
		"-reset_timestamps", "1",
		"-strftime", "0",
	}
	if p.SegmentStartNumber > 0 {
		args = append(args, "-segment_start_number", fmt.Sprintf("%d", p.SegmentStartNumber))
	}
	return append(args, p.OutputPattern)
}

func codecName(family, codec string) (string, error) {
	switch family {
	case "software":
		switch codec {
		case "h264", "":
			return "libx264", nil
		case "h265":
			return "libx265", nil
		case "vp9":
			return "libvpx-vp9", nil
		case "av1":
			return "libaom-av1", nil
		}
	case "nvenc":
		switch codec {
		case "h264", "":
			return "h264_nvenc", nil
		case "h265":
			return "hevc_nvenc", nil
		case "av1":
			return "av1_nvenc", nil
		}
	case "amf":
		switch codec {
		case "h264", "":
			return "h264_amf", nil
		case "h265":
			return "hevc_amf", nil
		}
	case "qsv":
		switch codec {
		case "h264", "":
			return "h264_qsv", nil
		case "h265":
			return "hevc_qsv", nil
		case "av1":
			return "av1_qsv", nil
		}
	}
	return "", fmt.Errorf("encoder: codec %q not supported by %q family", codec, family)
}

// SoftwareArgBuilder targets libx264/libx265/libvpx-vp9/libaom-av1 via CPU
// encoding, selected by CRF-based quality rather than a fixed bitrate.
type SoftwareArgBuilder struct{}

func (SoftwareArgBuilder) Name() string { return "software" }

func (SoftwareArgBuilder) BuildArgs(p Params) ([]string, error) {
	codec, err := codecName("software", p.Codec)
	if err != nil {
		return nil, err
	}
	preset := p.Preset
	if preset == "" {
		preset = "fast"
	}

	args := inputArgs(p)
	args = append(args,
		"-c:v", codec,
		"-preset", preset,
		"-crf", fmt.Sprintf("%d", p.CRF),
		"-pix_fmt", "yuv420p",
		"-g", fmt.Sprintf("%d", p.FPS*2),
	)
	args = append(args, segmentArgs(p)...)
	return args, nil
}

// NVENCArgBuilder targets NVIDIA's hardware encoder.
type NVENCArgBuilder struct{}

func (NVENCArgBuilder) Name() string { return "nvenc" }

func (NVENCArgBuilder) BuildArgs(p Params) ([]string, error) {
	codec, err := codecName("nvenc", p.Codec)
	if err != nil {
		return nil, err
	}
	preset := p.Preset
	if preset == "" {
		preset = "p4"
	}

	args := inputArgs(p)
	args = append(args,
		"-c:v", codec,
		"-preset", preset,
		"-rc", "vbr",
		"-b:v", fmt.Sprintf("%d", p.BitrateBPS),
		"-maxrate", fmt.Sprintf("%d", p.BitrateBPS*2),
		"-bufsize", fmt.Sprintf("%d", p.BitrateBPS*2),
		"-pix_fmt", "yuv420p",
		"-g", fmt.Sprintf("%d", p.FPS*2),
	)
	args = append(args, segmentArgs(p)...)
	return args, nil
}

// AMFArgBuilder targets AMD's hardware encoder (Advanced Media Framework).
type AMFArgBuilder struct{}

func (AMFArgBuilder) Name() string { return "amf" }

func (AMFArgBuilder) BuildArgs(p Params) ([]string, error) {
	codec, err := codecName("amf", p.Codec)
	if err != nil {
		return nil, err
	}
	args := inputArgs(p)
	args = append(args,
		"-c:v", codec,
		"-quality", "speed",
		"-rc", "vbr_peak",
		"-b:v", fmt.Sprintf("%d", p.BitrateBPS),
		"-maxrate", fmt.Sprintf("%d", p.BitrateBPS*2),
		"-pix_fmt", "yuv420p",
		"-g", fmt.Sprintf("%d", p.FPS*2),
	)
	args = append(args, segmentArgs(p)...)
	return args, nil
}

// QSVArgBuilder targets Intel's Quick Sync hardware encoder.
type QSVArgBuilder struct{}

func (QSVArgBuilder) Name() string { return "qsv" }

func (QSVArgBuilder) BuildArgs(p Params) ([]string, error) {
	codec, err := codecName("qsv", p.Codec)
	if err != nil {
		return nil, err
	}
	args := inputArgs(p)
	args = append(args,
		"-c:v", codec,
		"-preset", "fast",
		"-b:v", fmt.Sprintf("%d", p.BitrateBPS),
		"-maxrate", fmt.Sprintf("%d", p.BitrateBPS*2),
		"-pix_fmt", "nv12",
		"-g", fmt.Sprintf("%d", p.FPS*2),
	)
	args = append(args, segmentArgs(p)...)
	return args, nil
}

// BuilderFor returns the ArgBuilder for the named encoder family.
func BuilderFor(family string) (ArgBuilder, error) {
	switch family {
	case "software", "":
		return SoftwareArgBuilder{}, nil
	case "nvenc":
		return NVENCArgBuilder{}, nil
	case "amf":
		return AMFArgBuilder{}, nil
	case "qsv":
		return QSVArgBuilder{}, nil
	default:
		return nil, fmt.Errorf("encoder: unknown family %q", family)
	}
}
