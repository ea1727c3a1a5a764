// Package profiling starts and stops the profilers that the command line tool can enable.
package profiling

import (
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"

	"github.com/felixge/fgprof"
	"go.uber.org/multierr"
)

// Paths holds the output paths of the profilers. A profiler is only started if its path is set.
type Paths struct {
	CPU    string
	Mem    string
	Trace  string
	Fgprof string
}

// Enabled returns true if at least one profiler is enabled.
func (p Paths) Enabled() bool {
	return p.CPU != "" || p.Mem != "" || p.Trace != "" || p.Fgprof != ""
}

// Start starts the enabled profilers. The returned function stops them and writes the memory profile.
func Start(paths Paths) (stop func() error, err error) {
	var (
		cpuProfile    *os.File
		traceFile     *os.File
		fgprofProfile *os.File
		fgprofStop    func() error
	)
	// undo what was started if a later profiler fails to start
	abort := func(err error) (func() error, error) {
		if cpuProfile != nil {
			pprof.StopCPUProfile()
			_ = cpuProfile.Close()
		}
		if fgprofStop != nil {
			_ = fgprofStop()
			_ = fgprofProfile.Close()
		}
		return nil, err
	}

	if paths.CPU != "" {
		f, err := os.Create(paths.CPU)
		if err != nil {
			return abort(err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return abort(err)
		}
		cpuProfile = f
	}

	if paths.Fgprof != "" {
		f, err := os.Create(paths.Fgprof)
		if err != nil {
			return abort(err)
		}
		fgprofProfile = f
		fgprofStop = fgprof.Start(fgprofProfile, fgprof.FormatPprof)
	}

	if paths.Trace != "" {
		f, err := os.Create(paths.Trace)
		if err != nil {
			return abort(err)
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			return abort(err)
		}
		traceFile = f
	}

	return func() (err error) {
		if paths.Mem != "" {
			err = multierr.Append(err, writeHeapProfile(paths.Mem))
		}
		if cpuProfile != nil {
			pprof.StopCPUProfile()
			err = multierr.Append(err, cpuProfile.Close())
		}
		if fgprofProfile != nil {
			err = multierr.Append(err, fgprofStop())
			err = multierr.Append(err, fgprofProfile.Close())
		}
		if traceFile != nil {
			trace.Stop()
			err = multierr.Append(err, traceFile.Close())
		}
		return err
	}, nil
}

func writeHeapProfile(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))
	runtime.GC() // get up-to-date statistics
	return pprof.WriteHeapProfile(f)
}
