package cmd

import (
	"fmt"
	"os"

	"github.com/andresmejia3/parallax/internal/config"
	"github.com/andresmejia3/parallax/internal/displace"
	"github.com/andresmejia3/parallax/internal/sink"
	"github.com/andresmejia3/parallax/internal/utils"
	"github.com/spf13/cobra"
)

var (
	probeInput  string
	probeLayout string
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Show video properties and the depth buffer layout that would be used",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		caps, err := sink.ParseLayout(probeLayout)
		if err != nil {
			utils.ShowError("Configuration Error", err, nil)
			return err
		}
		info, err := utils.ProbeVideo(cmd.Context(), probeInput)
		if err != nil {
			utils.ShowError("Failed to probe video", err, nil)
			return err
		}

		aspect := 0.0
		if info.Height > 0 {
			aspect = float64(info.Width) / float64(info.Height)
		}
		plane := displace.AspectPlane(aspect, 1)
		w := plane.Positions[1].X() - plane.Positions[0].X()
		h := plane.Positions[0].Y() - plane.Positions[2].Y()

		out := os.Stdout
		fmt.Fprintf(out, "Resolution:   %dx%d\n", info.Width, info.Height)
		fmt.Fprintf(out, "Frame rate:   %.3f fps\n", info.FPS)
		if info.Frames > 0 {
			fmt.Fprintf(out, "Frames:       %d\n", info.Frames)
		} else {
			fmt.Fprintf(out, "Frames:       unknown\n")
		}
		fmt.Fprintf(out, "Plane:        %.3f x %.3f\n", w, h)
		fmt.Fprintf(out, "Depth map:    %dx%d\n", config.DepthWidth, config.DepthHeight)
		fmt.Fprintf(out, "Layout:       %s\n", sink.Probe(caps))
		return nil
	},
}

func init() {
	probeCmd.Flags().StringVarP(&probeInput, "input", "i", "", "Path to video")
	probeCmd.Flags().StringVar(&probeLayout, "layout", "auto", "Depth buffer layout: auto, r32f, rgba32f")
	probeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(probeCmd)
}
