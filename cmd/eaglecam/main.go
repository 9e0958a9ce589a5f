// Command eaglecam runs acquisitions on a Raptor Eagle V camera
package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/sirupsen/logrus"

	"github.jpl.nasa.gov/bdube/eaglecam/comm"
	"github.jpl.nasa.gov/bdube/eaglecam/eagle"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "eaglecam.yml"

	// EnvPrefix marks environment variables that override the config file
	EnvPrefix = "EAGLECAM_"

	k = koanf.New(".")
)

type recorder struct {
	// Root is the root folder to write to
	Root string `koanf:"Root" yaml:"Root"`

	// Prefix is the filename prefix to use
	Prefix string `koanf:"Prefix" yaml:"Prefix"`
}

type grabberConf struct {
	// Backend is sim or serial
	Backend string `koanf:"Backend" yaml:"Backend"`

	// Width, Height and Buffers describe the grabber; with the serial
	// backend they size the pattern source
	Width   int `koanf:"Width" yaml:"Width"`
	Height  int `koanf:"Height" yaml:"Height"`
	Buffers int `koanf:"Buffers" yaml:"Buffers"`
}

type config struct {
	Grabber        grabberConf            `koanf:"Grabber" yaml:"Grabber"`
	Serial         comm.SerialConfig      `koanf:"Serial" yaml:"Serial"`
	FrameBuffers   int                    `koanf:"FrameBuffers" yaml:"FrameBuffers"`
	TEC            bool                   `koanf:"TEC" yaml:"TEC"`
	CopyBufferGap  time.Duration          `koanf:"CopyBufferGap" yaml:"CopyBufferGap"`
	WritingTimeout time.Duration          `koanf:"WritingTimeout" yaml:"WritingTimeout"`
	ResetTimeout   time.Duration          `koanf:"ResetTimeout" yaml:"ResetTimeout"`
	Housekeeping   time.Duration          `koanf:"Housekeeping" yaml:"Housekeeping"`
	Recorder       recorder               `koanf:"Recorder" yaml:"Recorder"`
	MetricsFile    string                 `koanf:"MetricsFile" yaml:"MetricsFile"`
	BootupArgs     map[string]interface{} `koanf:"BootupArgs" yaml:"BootupArgs"`
}

func defaults() config {
	opts := eagle.DefaultOptions()
	return config{
		Grabber:        grabberConf{Backend: "sim", Width: 2048, Height: 2048, Buffers: 4},
		Serial:         comm.DefaultSerialConfig("/dev/ttyS0"),
		FrameBuffers:   opts.FrameBuffers,
		CopyBufferGap:  opts.CopyBufferGap,
		WritingTimeout: opts.WritingTimeout,
		ResetTimeout:   opts.ResetTimeout,
		Housekeeping:   time.Second,
		BootupArgs: map[string]interface{}{
			"ShutterState": "EXP",
			"ReadoutRate":  "FAST",
		}}
}

func setupconfig() {
	k.Load(structs.Provider(defaults(), "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
	// EAGLECAM_SERIAL_NAME overrides Serial.Name, matching keys without regard to case
	known := map[string]string{}
	for _, key := range k.Keys() {
		known[strings.ToLower(key)] = key
	}
	err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.Replace(strings.TrimPrefix(s, EnvPrefix), "_", ".", -1))
		if name, ok := known[key]; ok {
			return name
		}
		return key
	}), nil)
	if err != nil {
		log.Fatalf("error loading environment: %v", err)
	}
}

func root() {
	str := `eaglecam controls a Raptor Eagle V 4240 CCD camera and records
acquisitions to FITS files.

Usage:
	eaglecam <command>

Commands:
	run
	help
	mkconf
	conf
	version
	ports`
	fmt.Println(str)
}

func help() {
	str := `eaglecam is amenable to configuration via its .yml file.  For a primer on YAML, see
https://yaml.org/start.html

When no configuration is provided, the defaults are used.  Keys are not case-sensitive.
The command mkconf generates the configuration file with the default values.
Any key may also be set from the environment with the EAGLECAM_ prefix,
e.g. EAGLECAM_SERIAL_NAME=/dev/ttyS1.

Grabber.Backend selects the camera connection.  sim is a simulated camera,
useful for checking a setup without hardware.  serial talks to the camera
over the serial port in Serial.Name, with frames from a test pattern.

BootupArgs are features set after the camera initializes.  If there is an
error during bootup, a value is likely out of range; remove it from the config.

run takes camera features as flags; each value is tried as a number first,
then as a string:

	-e  ExposureTime (s)   -s  ShutterState        -f  FrameCount
	-bx HBin               -by VBin
	-x  ROILeft            -y  ROITop              -w  ROIWidth    -h ROIHeight
	-g  PreAmpGain         -r  ReadoutRate
	-fh FitsHdrFilename    -ff FitsFilename
	-c  write a CUBE instead of one extension per frame
	-v  verbose logging

Without -ff the file is named by the Recorder, if it has a Root.
Ctrl-C aborts the acquisition; the frames so far are kept.
The exit code is the camera error code, 0 on success.`
	fmt.Println(str)
}

func mkconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	err = yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("eaglecam version %v\n", Version)
}

func ports() {
	list, err := comm.Ports()
	if err != nil {
		log.Fatal(err)
	}
	if len(list) == 0 {
		fmt.Println("no serial ports found")
		return
	}
	for _, p := range list {
		fmt.Println(p)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		cfg := config{}
		if err := k.Unmarshal("", &cfg); err != nil {
			log.Fatal(err)
		}
		logger := logrus.New()
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		err := run(cfg, args[2:], logger)
		if err != nil {
			logger.WithError(err).Error("run failed")
		}
		os.Exit(int(eagle.KindOf(err)))
	case "version":
		pversion()
		return
	case "ports":
		ports()
		return
	default:
		log.Fatal("unknown command")
	}
}
