package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mantonx/mediarelay/internal/logger"
	"github.com/mantonx/mediarelay/internal/modules/fetchmodule/types"
	"github.com/mantonx/mediarelay/internal/modules/transcodingmodule/core/compress"
)

var (
	targetMB   float64
	twoPass    bool
	single     string
	cookies    string
	heightMin  int
	heightMax  int
	showFormat bool
)

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var probeCmd = &cobra.Command{
	Use:   "probe [file]",
	Short: "Inspect a media file and report its compatibility",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(manager.Get(), logger.Default())
		defer a.Close()

		asset, err := a.prober.Probe(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		verdict := a.policy.Check(asset)
		out := map[string]interface{}{
			"asset":      asset,
			"verdict":    verdict,
			"compatible": verdict.Compatible(),
		}
		if !verdict.Compatible() {
			out["converted_estimate_mb"] = compress.EstimateConvertedSize(asset.SizeMB(), asset.Duration, a.cfg.Transcode.CRF, 0)
		}
		return printJSON(out)
	},
}

var transcodeCmd = &cobra.Command{
	Use:   "transcode [file]",
	Short: "Convert a file to H.264/AAC MP4 unless it already is",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.Default()
		a := newApp(manager.Get(), log)
		defer a.Close()

		out, err := a.transcoder.ConvertToCompatible(cmd.Context(), args[0], progressPrinter(log))
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var compressCmd = &cobra.Command{
	Use:   "compress [file]",
	Short: "Re-encode a file to fit a size budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if targetMB <= 0 {
			return fmt.Errorf("--target-mb must be positive")
		}
		log := logger.Default()
		a := newApp(manager.Get(), log)
		defer a.Close()

		asset, err := a.prober.Probe(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		opts := compress.Options{}
		if twoPass {
			opts.Strategy = compress.TwoPass
		}
		out, err := a.compressor.CompressToTarget(cmd.Context(), asset, targetMB, opts, progressPrinter(log))
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [url]",
	Short: "Download a video as a high-quality and a budget-sized rendition",
	Long: "Downloads a ~1080p rendition and a second rendition that fits the size budget.\n" +
		"With --single only one rendition capped at the named quality is fetched.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logger.Default()
		cfg := manager.Get()
		a := newApp(cfg, log)
		defer a.Close()

		cookieFile := cookies
		if cookieFile == "" {
			cookieFile = cfg.Paths.CookiesFile
		}

		var res *types.DownloadResult
		var err error
		if single != "" {
			res, err = a.downloader.FetchSingle(cmd.Context(), args[0], single, cookieFile, progressPrinter(log))
		} else {
			res, err = a.downloader.FetchDual(cmd.Context(), args[0], cookieFile, progressPrinter(log))
		}
		if err != nil {
			return err
		}
		for _, w := range res.Warnings {
			log.Warn(w)
		}
		return printJSON(res)
	},
}

var estimateCmd = &cobra.Command{
	Use:   "estimate [url]",
	Short: "Predict the size of a rendition without downloading it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(manager.Get(), logger.Default())
		defer a.Close()

		target := types.MediumTarget
		if heightMin > 0 || heightMax > 0 {
			target = types.QualityTarget{Name: "custom", Height: types.HeightRange{Min: heightMin, Max: heightMax}}
		}
		selector := target.CompatibleSelector()
		est := a.estimator.EstimateSize(cmd.Context(), args[0], target, selector)
		return printJSON(map[string]interface{}{
			"selector":    selector,
			"estimate_mb": est,
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info [url]",
	Short: "Show remote video metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := newApp(manager.Get(), logger.Default())
		defer a.Close()

		info, err := a.client.VideoInfo(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := *info
		if !showFormat {
			out.Formats = nil
		}
		return printJSON(out)
	},
}

func init() {
	compressCmd.Flags().Float64Var(&targetMB, "target-mb", 70, "size budget in MB")
	compressCmd.Flags().BoolVar(&twoPass, "two-pass", false, "use two-pass rate control")

	fetchCmd.Flags().StringVar(&single, "single", "", "fetch one rendition at this quality (4k, 1440p, 1080p, 720p, mobile)")
	fetchCmd.Flags().StringVar(&cookies, "cookies", "", "cookies file (default from config)")

	estimateCmd.Flags().IntVar(&heightMin, "height-min", 0, "minimum rendition height")
	estimateCmd.Flags().IntVar(&heightMax, "height-max", 0, "maximum rendition height")

	infoCmd.Flags().BoolVar(&showFormat, "formats", false, "include the format list")
}
