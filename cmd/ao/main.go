/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// ao is the top-level driver (spec §4.8, C10): it resolves the audited
// program, opens the monitor's listening sockets, spawns the child with
// auditing wired into its environment, and reaps its exit status.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"syscall"

	"github.com/audited-objects/ao/internal/config"
	"github.com/audited-objects/ao/internal/download"
	"github.com/audited-objects/ao/internal/launch"
	"github.com/audited-objects/ao/internal/log"
	"github.com/audited-objects/ao/internal/monitor"
	"github.com/audited-objects/ao/internal/recorder"
	"github.com/audited-objects/ao/internal/roadmap"
	"github.com/audited-objects/ao/internal/serverapi"
	"github.com/audited-objects/ao/internal/session"
	"github.com/audited-objects/ao/internal/upload"
	"github.com/audited-objects/ao/version"
)

const (
	exitSuccess          = 0
	exitInfrastructure   = 2
	exitStrictViolation  = 3
	exitReapFailure      = 5
	defaultConfigLoc     = "/etc/ao/ao.conf"
	defaultOverlayDir    = "/etc/ao/conf.d"
	defaultRoadmapDBName = "roadmap.db"
)

var (
	fProject        = flag.String("project", "", "project name reported to the build-cache server")
	fServer         = flag.String("server", "", "build-cache server host:port")
	fUseHTTPS       = flag.Bool("https", false, "use https to reach the build-cache server")
	fInsecure       = flag.Bool("insecure", false, "skip TLS certificate verification")
	fBaseDir        = flag.String("base-dir", ".", "project base directory (relative path canonicalization root)")
	fConfig         = flag.String("config-file-override", "", "override location for the configuration file")
	fOverlay        = flag.String("config-overlay-dir", "", "directory of *.conf fragments overlaid on the config file")
	fRecycle        = flag.Bool("recycle", true, "enable artifact recycling")
	fGzip           = flag.Bool("gzip", true, "gzip audit records and uploaded content above the gzip threshold")
	fRateLimit      = flag.Int64("rate-limit-bytes-per-sec", 0, "cap upload bandwidth; 0 disables the limiter")
	fMaxUploads     = flag.Int64("max-concurrent-uploads", 0, "in-flight upload cap; 0 uses the pipeline default")
	fDownloadReq    = flag.Bool("download-required", false, "strict mode: a recycle miss is a failure, not a fallback to run")
	fUploadReq      = flag.Bool("upload-required", false, "strict mode: any failed upload is a failure")
	fExecuteOnly    = flag.Bool("execute-only", false, "run the command completely unaudited")
	fDownloadOnly   = flag.Bool("download-only", false, "disable uploads; only ever recycle")
	fUploadOnly     = flag.Bool("upload-only", false, "disable recycling; always run and upload")
	fSuppressRecyc  = flag.Bool("suppress-recycle", false, "ask the auditor to request the lower-case suppressed SOA form")
	fPorts          = flag.String("listen-ports", "0", "comma-separated TCP ports for the monitor to listen on (0 picks an ephemeral port)")
	fLogFile        = flag.String("log-file", "", "append structured logs here instead of stderr")
	fLogLevel       = flag.String("log-level", "", "INFO, WARN, ERROR, DEBUG, or OFF")
	fVerboseCap     = flag.Int64("verbose-cap", 0, "max `+`-prefixed passthrough lines relayed per session; 0 uses the default")
	fVersion        = flag.Bool("version", false, "print version information and exit")
)

func main() {
	flag.Parse()
	if *fVersion {
		version.PrintVersion(os.Stdout)
		os.Exit(exitSuccess)
	}

	argv := flag.Args()
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "ao: no command given; usage: ao [flags] -- program [args...]")
		os.Exit(exitInfrastructure)
	}

	os.Exit(run(argv))
}

func run(argv []string) int {
	configPath := *fConfig
	if configPath == "" {
		if _, err := os.Stat(defaultConfigLoc); err == nil {
			configPath = defaultConfigLoc
		}
	}
	overlayDir := *fOverlay
	if overlayDir == "" {
		overlayDir = defaultOverlayDir
	}
	cfg, err := config.Load(configPath, overlayDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ao: loading configuration: %v\n", err)
		return exitInfrastructure
	}
	applyFlagOverrides(cfg)

	lg, err := buildLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ao: opening log file: %v\n", err)
		return exitInfrastructure
	}
	defer lg.Close()

	program, err := exec.LookPath(argv[0])
	if err != nil {
		lg.Error("program not found on PATH", log.KVErr(err), log.KV("program", argv[0]))
		return exitInfrastructure
	}

	cwd, err := os.Getwd()
	if err != nil {
		lg.Error("getwd failed", log.KVErr(err))
		return exitInfrastructure
	}

	if *fExecuteOnly {
		return execUnaudited(program, argv, cwd, lg)
	}

	rec := recorder.New(buildRegexes(cfg), lg)

	var rm *roadmap.Roadmap
	if cfg.Global.Recycle && !*fUploadOnly {
		rm, err = roadmap.Open(roadmapPath(cfg))
		if err != nil {
			lg.Error("opening roadmap", log.KVErr(err))
			return exitInfrastructure
		}
		defer func() {
			if err := rm.ExportManifest(roadmapPath(cfg) + ".manifest"); err != nil {
				lg.Warn("roadmap manifest export failed", log.KVErr(err))
			}
			rm.Close()
		}()
	}

	var api *serverapi.Client
	var sess *session.Session
	var up *upload.Pipeline
	var dl *download.Pipeline
	if cfg.Global.ServerURL != "" {
		api, err = serverapi.New(serverapi.Opts{
			Server:             cfg.Global.ServerURL,
			UseHTTPS:           *fUseHTTPS,
			InsecureSkipVerify: *fInsecure,
		})
		if err != nil {
			lg.Error("building server client", log.KVErr(err))
			return exitInfrastructure
		}

		login, host := identity()
		sess, err = session.Open(api, cfg.Global.Project, login, host, runtimeOS(), lg)
		if err != nil {
			lg.Error("opening session", log.KVErr(err))
			return exitInfrastructure
		}

		if !*fDownloadOnly {
			up, err = upload.New(api, uploadPolicy(cfg), uploadOverflowDir(cfg), lg)
			if err != nil {
				lg.Error("building upload pipeline", log.KVErr(err))
				return exitInfrastructure
			}
			defer up.Close()
		}
		dl = download.New(api)

		if rm != nil {
			if body, err := api.FetchRoadmap(cfg.Global.Project); err == nil {
				if err := rm.ImportManifestReader(body); err != nil {
					lg.Warn("roadmap refresh decode failed", log.KVErr(err))
				}
				body.Close()
			} else {
				lg.Warn("roadmap refresh fetch failed", log.KVErr(err))
			}
		}
	}

	mcfg := monitor.Config{
		RecycleEnabled: rm != nil,
		StrictDownload: cfg.Strict.DownloadRequired,
		StrictUpload:   cfg.Strict.UploadRequired,
		VerboseCap:     *fVerboseCap,
	}
	m := monitor.New(mcfg, rec, rm, up, dl, sess, lg)
	if err := m.Listen(parsePorts(*fPorts)); err != nil {
		lg.Error("monitor listen failed", log.KVErr(err))
		return exitInfrastructure
	}
	addrs := m.Addrs()
	// Listen returning means every listener socket is already bound, so
	// by the time Spawn below starts the child, AO_V1_MONITOR_ADDR
	// always names a live listener: program order is the synchronization
	// primitive spec §4.8 asks a pipe for.
	lg.Info("monitor listening", log.KV("addrs", fmt.Sprint(addrs)))

	env := append(os.Environ(), config.ChildEnv("", 0)...)
	env = append(env, config.EnvMonitorAddr+"="+addrs[0])
	if sess != nil {
		env = append(env, config.EnvSessionID+"="+sess.PTX)
	}
	if *fSuppressRecyc {
		env = append(env, config.EnvSuppressShop+"=1")
	}
	env = append(env, config.EnvProjectRoot+"="+*fBaseDir)
	if cfg.Aggregation.ExcludePathRegexp != "" {
		env = append(env, config.EnvExcludeRegexp+"="+cfg.Aggregation.ExcludePathRegexp)
	}

	if err := raiseFileDescriptorLimit(); err != nil {
		lg.Warn("could not raise file descriptor limit", log.KVErr(err))
	}

	child, err := launch.Spawn(launch.Options{
		Program:   program,
		Argv:      argv,
		Cwd:       cwd,
		Env:       env,
		SharedLib: auditorShimPath(),
	})
	if err != nil {
		lg.Error("spawn failed", log.KVErr(err))
		return exitInfrastructure
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		if sig, ok := <-sigCh; ok {
			lg.Warn("forwarding signal to audited command", log.KV("signal", sig.String()))
			child.Signal(sig)
		}
	}()

	childDone := make(chan struct{})
	childExit := make(chan int, 1)
	childErr := make(chan error, 1)
	go func() {
		code, err := child.Wait()
		childErr <- err
		childExit <- code
		close(childDone)
	}()

	monitorExit := m.Run(childDone)
	if line := m.LastCatastrophicLine(); line != "" {
		fmt.Fprintf(os.Stderr, "ao: %s\n", line)
	}
	signal.Stop(sigCh)
	close(sigCh)

	if err := <-childErr; err != nil {
		lg.Error("reaping child failed", log.KVErr(err))
		return exitReapFailure
	}
	code := <-childExit

	if sess != nil {
		if err := sess.Close(code); err != nil {
			lg.Warn("session close failed", log.KVErr(err))
		}
	}

	if monitorExit != exitSuccess {
		return monitorExit // catastrophic (2) or strict violation (3) wins
	}
	return code
}

// execUnaudited runs the command with no auditing wired in at all
// (spec's supplemented execute-only mode): the monitor, recorder, and
// every C1-C9 collaborator are skipped entirely.
func execUnaudited(program string, argv []string, cwd string, lg *log.Logger) int {
	child, err := launch.Spawn(launch.Options{
		Program: program,
		Argv:    argv,
		Cwd:     cwd,
		Env:     os.Environ(),
	})
	if err != nil {
		lg.Error("spawn failed", log.KVErr(err))
		return exitInfrastructure
	}
	code, err := child.Wait()
	if err != nil {
		lg.Error("reaping child failed", log.KVErr(err))
		return exitReapFailure
	}
	return code
}

func applyFlagOverrides(cfg *config.Config) {
	fs := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) { fs[f.Name] = true })

	if fs["project"] {
		cfg.Global.Project = *fProject
	}
	if fs["server"] {
		cfg.Global.ServerURL = *fServer
	}
	if fs["base-dir"] {
		cfg.Global.BaseDir = *fBaseDir
	}
	if fs["recycle"] {
		cfg.Global.Recycle = *fRecycle
	}
	if fs["gzip"] {
		cfg.Global.Gzip = *fGzip
	}
	if fs["rate-limit-bytes-per-sec"] {
		cfg.Global.RateLimit = *fRateLimit
	}
	if fs["max-concurrent-uploads"] {
		cfg.Global.MaxUploads = int(*fMaxUploads)
	}
	if fs["log-file"] {
		cfg.Global.LogFile = *fLogFile
	}
	if fs["log-level"] {
		cfg.Global.LogLevel = *fLogLevel
	}
	if fs["download-required"] {
		cfg.Strict.DownloadRequired = *fDownloadReq
	}
	if fs["upload-required"] {
		cfg.Strict.UploadRequired = *fUploadReq
	}
}

func buildLogger(cfg *config.Config) (*log.Logger, error) {
	var lg *log.Logger
	var err error
	if cfg.Global.LogFile != "" {
		lg, err = log.NewFile(cfg.Global.LogFile)
	} else {
		lg = log.New(os.Stderr)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Global.LogLevel != "" {
		if err := lg.SetLevelString(cfg.Global.LogLevel); err != nil {
			lg.Warn("invalid log level in configuration", log.KV("level", cfg.Global.LogLevel))
		}
	}
	return lg, nil
}

func buildRegexes(cfg *config.Config) recorder.Regexes {
	a := cfg.Aggregation
	return recorder.Regexes{
		BreakLine:  compileOrNil(a.BreakLineRegexp),
		BreakProg:  compileOrNil(a.BreakProgRegexp),
		StrongLine: compileOrNil(a.StrongLineRegexp),
		StrongProg: compileOrNil(a.StrongProgRegexp),
		WeakLine:   compileOrNil(a.WeakLineRegexp),
		WeakProg:   compileOrNil(a.WeakProgRegexp),
	}
}

func uploadPolicy(cfg *config.Config) upload.Policy {
	p := upload.DefaultPolicy()
	p.GzipEnabled = cfg.Global.Gzip
	p.RateLimitBps = cfg.Global.RateLimit
	if cfg.Global.MaxUploads > 0 {
		p.InFlightCap = int64(cfg.Global.MaxUploads)
	}
	return p
}

func uploadOverflowDir(cfg *config.Config) string {
	if cfg.Global.BaseDir == "" {
		return ""
	}
	return cfg.Global.BaseDir + "/.ao-upload-overflow"
}

func roadmapPath(cfg *config.Config) string {
	base := cfg.Global.BaseDir
	if base == "" {
		base = "."
	}
	return base + "/" + defaultRoadmapDBName
}

// auditorShimPath resolves the interposition shim referenced by spec
// §6's platform launch contract. Building and locating that shared
// object is explicitly out of this system's scope (spec §1); the
// environment variable lets an operator point at one without this
// driver knowing anything about its internals.
func auditorShimPath() string {
	return os.Getenv("AO_V1_SHIM_PATH")
}

func identity() (login, host string) {
	if u, err := user.Current(); err == nil {
		login = u.Username
	}
	host, _ = os.Hostname()
	return
}

func runtimeOS() string {
	if v := os.Getenv("AO_V1_OS_OVERRIDE"); v != "" {
		return v
	}
	return runtime.GOOS
}

func parsePorts(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if n, err := strconv.Atoi(part); err == nil {
			out = append(out, n)
		}
	}
	return out
}

func compileOrNil(pattern string) *regexp.Regexp {
	if pattern == "" {
		return nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil
	}
	return re
}
