// Command calcprime counts, enumerates, or finds the nth prime over a
// 64-bit range using a parallel segmented wheel sieve.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pchuck/calcprime/internal/baseprime"
	"github.com/pchuck/calcprime/internal/cpuinfo"
	"github.com/pchuck/calcprime/internal/primecount"
	"github.com/pchuck/calcprime/internal/progress"
	"github.com/pchuck/calcprime/internal/segmenter"
	"github.com/pchuck/calcprime/internal/sieve"
	"github.com/pchuck/calcprime/internal/wheel"
	"github.com/pchuck/calcprime/internal/writer"
)

var (
	from         uint64
	to           uint64
	threads      int
	wheelFlag    int
	modeFlag     string
	formatFlag   string
	useBzip2     bool
	outPath      string
	indexPath    string
	nth          uint64
	countOnly    bool
	showProgress bool
	segmentBytes uint64
	tileBytes    uint64
	verify       bool
	countFast    bool
)

func init() {
	flag.Uint64Var(&from, "from", 0, "Start of the range (inclusive)")
	flag.Uint64Var(&to, "to", 0, "End of the range (exclusive)")
	flag.IntVar(&threads, "threads", 0, "Worker thread count (default: chosen from CPU topology)")
	flag.IntVar(&wheelFlag, "wheel", 30, "Wheel modulus: 30, 210, or 1155")
	flag.StringVar(&modeFlag, "mode", "auto", "Scheduling mode: auto, big_only, all_cores, legacy")
	flag.StringVar(&formatFlag, "format", "text", "Output format: text, binary, delta16")
	flag.BoolVar(&useBzip2, "bzip2", false, "Compress output with bzip2")
	flag.StringVar(&outPath, "out", "", "Output file path (default: stdout)")
	flag.StringVar(&indexPath, "index", "", "Side index file path (segmentID,firstPrime,count records)")
	flag.Uint64Var(&nth, "nth", 0, "Find the nth prime (1-based) instead of enumerating or counting")
	flag.BoolVar(&countOnly, "count-only", false, "Only report the prime count, do not enumerate")
	flag.BoolVar(&showProgress, "progress", false, "Show a progress bar on stderr")
	flag.Uint64Var(&segmentBytes, "segment-bytes", 0, "Override the per-thread segment size in bytes")
	flag.Uint64Var(&tileBytes, "tile-bytes", 0, "Override the cache-tile size in bytes")
	flag.BoolVar(&verify, "verify", false, "Cross-check the result with deterministic Miller-Rabin")
	flag.BoolVar(&countFast, "count-fast", false, "Cross-check a count-only result against Meissel-Lehmer (from=0 only)")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "calcprime: parallel segmented wheel sieve\n\n")
		fmt.Fprintf(os.Stderr, "Usage: %s -from N -to M [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s -from 0 -to 1000000 -count-only\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -from 0 -to 1000000000 -format binary -out primes.bin\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -from 0 -to 1000000 -nth 1000\n", os.Args[0])
	}
}

func main() {
	flag.Parse()

	if to <= from {
		fmt.Fprintf(os.Stderr, "Error: -to (%d) must be greater than -from (%d)\n", to, from)
		os.Exit(1)
	}

	w, err := parseWheel(wheelFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	mode, err := parseMode(modeFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	output := sieve.Enumerate
	switch {
	case nth > 0:
		output = sieve.Nth
		threads = 1
	case countOnly:
		output = sieve.CountOnly
	}

	var sink sieve.PrimeSink
	var primeWriter *writer.Writer
	if output == sieve.Enumerate {
		format, err := parseFormat(formatFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		var opts []writer.Option
		if useBzip2 {
			opts = append(opts, writer.WithCompression(writer.CompressionBzip2))
		}
		if indexPath != "" {
			opts = append(opts, writer.WithIndex(indexPath))
		}
		if outPath == "" {
			fmt.Fprintln(os.Stderr, "[calcprime] warning: writing primes to stdout may stall large outputs. Consider -out <path>.")
		}
		primeWriter, err = writer.New(outPath, format, opts...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		sink = primeWriter
	}

	var bar *progress.Bar
	if showProgress {
		if output == sieve.Enumerate {
			topo := cpuinfo.Detect()
			requested := threads
			if requested < 0 {
				requested = 0
			}
			threadCount := cpuinfo.ChooseThreadCount(topo, uint(requested), mode)
			plan := segmenter.Choose(topo, threadCount, segmentBytes, tileBytes, to-from)
			if plan.SegmentSpan > 0 {
				total := (to - from + plan.SegmentSpan - 1) / plan.SegmentSpan
				bar = progress.NewBar(int64(total), "Sieving")
				sink = &progressSink{inner: sink, bar: bar}
			}
		} else {
			fmt.Fprintln(os.Stderr, "[calcprime] warning: -progress has no effect for count-only or nth output")
		}
	}

	req := sieve.Request{
		From:            from,
		To:              to,
		Threads:         threads,
		Wheel:           w,
		SegmentOverride: segmentBytes,
		TileOverride:    tileBytes,
		Mode:            mode,
		Output:          output,
		N:               nth,
	}

	start := time.Now()
	result, err := sieve.Run(context.Background(), req, sink)
	elapsed := time.Since(start)

	if bar != nil {
		bar.Finish()
	}
	if primeWriter != nil {
		if cerr := primeWriter.OnFinish(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	printSummary(req, result, elapsed)

	if verify {
		runVerify(req, result)
	}
	if countFast && output == sieve.CountOnly && from == 0 {
		runCountFast(to, result)
	}
}

func parseWheel(v int) (wheel.Type, error) {
	switch v {
	case 30:
		return wheel.Mod30, nil
	case 210:
		return wheel.Mod210, nil
	case 1155:
		return wheel.Mod1155, nil
	default:
		return wheel.Mod30, fmt.Errorf("invalid -wheel %d: must be 30, 210, or 1155", v)
	}
}

func parseMode(v string) (cpuinfo.SchedulingMode, error) {
	switch v {
	case "auto":
		return cpuinfo.Auto, nil
	case "big_only":
		return cpuinfo.BigOnly, nil
	case "all_cores":
		return cpuinfo.AllCores, nil
	case "legacy":
		return cpuinfo.Legacy, nil
	default:
		return cpuinfo.Auto, fmt.Errorf("invalid -mode %q: must be auto, big_only, all_cores, or legacy", v)
	}
}

func parseFormat(v string) (writer.Format, error) {
	switch v {
	case "text":
		return writer.FormatText, nil
	case "binary":
		return writer.FormatBinary, nil
	case "delta16":
		return writer.FormatDelta16, nil
	default:
		return writer.FormatText, fmt.Errorf("invalid -format %q: must be text, binary, or delta16", v)
	}
}

// progressSink decorates a PrimeSink, advancing a progress.Bar by one unit
// per completed segment. Its OnPrefix/OnFlush/OnFinish calls pass through
// unchanged; it never reorders or drops output.
type progressSink struct {
	inner sieve.PrimeSink
	bar   *progress.Bar
}

func (p *progressSink) OnPrefix(primes []uint64) {
	if p.inner != nil {
		p.inner.OnPrefix(primes)
	}
}

func (p *progressSink) OnSegment(id uint64, primes []uint64) error {
	p.bar.Update(1)
	if p.inner != nil {
		return p.inner.OnSegment(id, primes)
	}
	return nil
}

func (p *progressSink) OnFlush() error {
	if p.inner != nil {
		return p.inner.OnFlush()
	}
	return nil
}

func (p *progressSink) OnFinish() error {
	if p.inner != nil {
		return p.inner.OnFinish()
	}
	return nil
}

func printSummary(req sieve.Request, result sieve.Result, elapsed time.Duration) {
	switch req.Output {
	case sieve.Nth:
		if !result.Found {
			fmt.Fprintf(os.Stderr, "Done! No %s prime in [%d, %d). Searched in %.3fs.\n",
				ordinal(req.N), req.From, req.To, elapsed.Seconds())
			return
		}
		fmt.Fprintf(os.Stderr, "Done! The %s prime in [%d, %d) is %d. Found in %.3fs.\n",
			ordinal(req.N), req.From, req.To, result.Nth, elapsed.Seconds())
	default:
		rate := float64(result.Count) / elapsed.Seconds()
		fmt.Fprintf(os.Stderr, "Done! Found %s primes in [%d, %d) in %.3fs (%s primes/s) on a %d-CPU host.\n",
			progress.FormatNumber(int64(result.Count)), req.From, req.To, elapsed.Seconds(), formatRate(rate), progress.GetCPUCount())
	}
}

func ordinal(n uint64) string {
	s := strconv.FormatUint(n, 10)
	if n%100 >= 11 && n%100 <= 13 {
		return s + "th"
	}
	switch n % 10 {
	case 1:
		return s + "st"
	case 2:
		return s + "nd"
	case 3:
		return s + "rd"
	default:
		return s + "th"
	}
}

func formatRate(rate float64) string {
	s := fmt.Sprintf("%.0f", rate)
	n := len(s)
	if n <= 3 {
		return s
	}

	var sb strings.Builder
	sb.Grow(n + n/3)
	offset := n % 3
	if offset == 0 {
		offset = 3
	}
	sb.WriteString(s[:offset])
	for i := offset; i < n; i += 3 {
		sb.WriteByte(',')
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}

func runVerify(req sieve.Request, result sieve.Result) {
	switch req.Output {
	case sieve.Nth:
		if !result.Found {
			return
		}
		if !primecount.IsPrime(result.Nth) {
			fmt.Fprintf(os.Stderr, "[calcprime] verify FAILED: %d is not prime\n", result.Nth)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "[calcprime] verify: %d is prime (Miller-Rabin)\n", result.Nth)
	default:
		boundary := req.To - 1
		for boundary > req.From && !primecount.IsPrime(boundary) {
			boundary--
		}
		fmt.Fprintf(os.Stderr, "[calcprime] verify: largest checked value near range end is %d, prime=%v\n",
			boundary, primecount.IsPrime(boundary))
	}
}

func runCountFast(to uint64, result sieve.Result) {
	want := primecount.MeisselLehmer(to-1, baseprime.Sieve)
	if want != result.Count {
		fmt.Fprintf(os.Stderr, "[calcprime] count-fast MISMATCH: segmented engine=%d, Meissel-Lehmer=%d\n",
			result.Count, want)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "[calcprime] count-fast: Meissel-Lehmer confirms %d primes\n", want)
}
