package main

import (
	"context"
	"flag"
	"fmt"
	"strconv"
	"time"

	"github.com/maruel/interrupt"
	"github.com/sirupsen/logrus"
	"github.com/theckman/yacspin"

	"github.jpl.nasa.gov/bdube/eaglecam/comm"
	"github.jpl.nasa.gov/bdube/eaglecam/eagle"
	"github.jpl.nasa.gov/bdube/eaglecam/grabber"
	"github.jpl.nasa.gov/bdube/eaglecam/imgrec"
)

// featureFlags maps run flags to camera features
var featureFlags = []struct {
	flag, feature, usage string
}{
	{"e", "ExposureTime", "exposure time, seconds"},
	{"s", "ShutterState", "shutter state, CLOSED OPEN or EXP"},
	{"f", "FrameCount", "number of frames"},
	{"bx", "HBin", "horizontal binning"},
	{"by", "VBin", "vertical binning"},
	{"x", "ROILeft", "ROI left edge, 1-based"},
	{"y", "ROITop", "ROI top edge, 1-based"},
	{"w", "ROIWidth", "ROI width, binned pixels"},
	{"h", "ROIHeight", "ROI height, binned pixels"},
	{"g", "PreAmpGain", "preamp gain, HIGH or LOW"},
	{"r", "ReadoutRate", "readout rate, FAST or SLOW"},
	{"fh", "FitsHdrFilename", "file of extra header cards"},
	{"ff", "FitsFilename", "output file"},
}

// parseValue reads a flag value as a number if it is one
func parseValue(s string) interface{} {
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// runSettings turns the run flags into feature settings
func runSettings(args []string) (settings map[string]interface{}, verbose bool, err error) {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	vals := make(map[string]*string, len(featureFlags))
	for _, f := range featureFlags {
		vals[f.feature] = fs.String(f.flag, "", f.usage)
	}
	v := fs.Bool("v", false, "verbose logging")
	cube := fs.Bool("c", false, "write a CUBE")
	if err := fs.Parse(args); err != nil {
		return nil, false, err
	}
	settings = map[string]interface{}{}
	for name, s := range vals {
		if *s != "" {
			settings[name] = parseValue(*s)
		}
	}
	if *cube {
		settings["FitsDataFormat"] = "CUBE"
	}
	return settings, *v, nil
}

func newGrabber(cfg config) grabber.Grabber {
	g := cfg.Grabber
	if g.Backend == "serial" {
		s := grabber.NewSerial(cfg.Serial.Name, &grabber.PatternSource{
			Width: g.Width, Height: g.Height, NBuffers: g.Buffers, Delay: 10 * time.Millisecond})
		s.Link = comm.NewSerialLink(cfg.Serial)
		return s
	}
	conf := grabber.DefaultSimConfig()
	conf.Width, conf.Height, conf.Buffers = g.Width, g.Height, g.Buffers
	return grabber.NewSim(conf)
}

func run(cfg config, args []string, logger *logrus.Logger) error {
	settings, verbose, err := runSettings(args)
	if err != nil {
		return err
	}
	logger.SetLevel(logrus.InfoLevel)
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	var metrics *eagle.Metrics
	if cfg.MetricsFile != "" {
		metrics = eagle.NewMetrics()
		defer func() {
			if err := metrics.WriteTextfile(cfg.MetricsFile); err != nil {
				logger.WithError(err).Warn("metrics not written")
			}
		}()
	}

	opts := eagle.DefaultOptions()
	opts.Logger = logger
	opts.Metrics = metrics
	opts.FrameBuffers = cfg.FrameBuffers
	opts.TEC = cfg.TEC
	opts.CopyBufferGap = cfg.CopyBufferGap
	opts.WritingTimeout = cfg.WritingTimeout
	opts.ResetTimeout = cfg.ResetTimeout
	opts.Housekeeping = cfg.Housekeeping
	cam := eagle.New(newGrabber(cfg), opts)
	defer cam.Close()

	logger.WithField("backend", cfg.Grabber.Backend).Info("initializing camera")
	if err := cam.Command("INIT"); err != nil {
		return err
	}
	if err := cam.Configure(cfg.BootupArgs); err != nil {
		return err
	}
	if _, ok := settings["FitsFilename"]; !ok && cfg.Recorder.Root != "" {
		rec := &imgrec.Recorder{Root: cfg.Recorder.Root, Prefix: cfg.Recorder.Prefix}
		path, err := rec.Next()
		if err != nil {
			return err
		}
		settings["FitsFilename"] = path
	}
	if err := cam.Configure(settings); err != nil {
		return err
	}
	if verbose {
		if err := cam.SetLogLevel("VERBOSE"); err != nil {
			return err
		}
	}

	p, err := cam.Feature("FrameCount")
	if err != nil {
		return err
	}
	n, err := p.Int()
	if err != nil {
		return err
	}
	p, err = cam.Feature("FitsFilename")
	if err != nil {
		return err
	}
	path, err := p.String()
	if err != nil {
		return err
	}
	if path == "" {
		return &eagle.Error{Kind: eagle.OutputContainerError, Context: "no output file, give -ff or set Recorder.Root"}
	}

	spinner, err := yacspin.New(yacspin.Config{
		Frequency:         100 * time.Millisecond,
		CharSet:           yacspin.CharSets[14],
		Suffix:            " ",
		SuffixAutoColon:   true,
		Message:           fmt.Sprintf("exposing 0/%d", n),
		StopCharacter:     "✓",
		StopColors:        []string{"fgGreen"},
		StopFailCharacter: "✗",
		StopFailColors:    []string{"fgRed"},
	})
	if err != nil {
		return err
	}
	cam.OnImageReady = func(frame int, buf []uint16) {
		spinner.Message(fmt.Sprintf("exposing %d/%d", frame+1, n))
	}

	interrupt.HandleCtrlC()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-interrupt.Channel:
			logger.Warn("interrupted, aborting acquisition")
			cam.Command("EXPSTOP")
		case <-ctx.Done():
		}
	}()

	spinner.Start()
	err = cam.StartAcquisition(ctx)
	if err == nil {
		err = cam.Wait()
	}
	if err != nil {
		spinner.StopFailMessage(err.Error())
		spinner.StopFail()
		return err
	}
	spinner.StopMessage(path)
	spinner.Stop()
	return nil
}
