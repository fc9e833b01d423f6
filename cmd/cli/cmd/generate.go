package cmd

import (
	"encoding/base64"
	"errors"
	"os"
	"time"

	"genplane/internal/progress"
	"genplane/pkg/api"

	"github.com/spf13/cobra"
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a video from a prompt and stream its progress",
	Long: `Run an image-to-video generation job and print each stage as it happens.

The job costs credits up front. If any stage fails the credits are refunded
and the error says so. The intermediate image is shown as soon as it is
ready, even if the video stage fails later.

Example:
  genctl generate --prompt "a lighthouse at dusk" --aspect-ratio 16:9
  genctl generate --prompt "a cat surfing" --duration 8 --save-image cat.png`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		prompt, _ := flags.GetString("prompt")
		negative, _ := flags.GetString("negative-prompt")
		aspect, _ := flags.GetString("aspect-ratio")
		duration, _ := flags.GetInt("duration")
		saveImage, _ := flags.GetString("save-image")

		if prompt == "" {
			cmd.Println("Error: --prompt is required")
			return
		}

		client, ok := userClient(cmd)
		if !ok {
			return
		}

		req := api.GenerateRequest{
			Prompt:          prompt,
			NegativePrompt:  negative,
			AspectRatio:     aspect,
			DurationSeconds: duration,
		}

		start := time.Now()
		err := client.Generate(req, func(ev progress.Event) error {
			return printGenerationEvent(cmd, ev, saveImage, start)
		})
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.Code == api.CodeInsufficientCredits {
				cmd.Printf("%s✗ Not enough credits for this generation%s\n", colorRed, colorReset)
				return
			}
			cmd.Printf("Error: %v\n", err)
		}
	},
}

func printGenerationEvent(cmd *cobra.Command, ev progress.Event, saveImage string, start time.Time) error {
	switch ev.Name {
	case api.EventProgress:
		var p api.ProgressEvent
		if err := ev.Decode(&p); err != nil {
			return err
		}
		cmd.Printf("%s[%d/2]%s %s\n", colorCyan, p.Step, colorReset, p.Message)

	case api.EventImage:
		var img api.ImageEvent
		if err := ev.Decode(&img); err != nil {
			return err
		}
		data, err := base64.StdEncoding.DecodeString(img.ImageBase64)
		if err != nil {
			return err
		}
		cmd.Printf("%s✓%s Image ready (%d bytes, %s)\n", colorGreen, colorReset, len(data), img.MimeType)
		if saveImage != "" {
			if err := os.WriteFile(saveImage, data, 0o644); err != nil {
				return err
			}
			cmd.Printf("  saved to %s\n", saveImage)
		}

	case api.EventVideo:
		var v api.VideoEvent
		if err := ev.Decode(&v); err != nil {
			return err
		}
		cmd.Printf("%s✓%s Video:  %s\n", colorGreen, colorReset, v.VideoURL)
		if v.ImageURL != "" {
			cmd.Printf("  Image:  %s\n", v.ImageURL)
		}

	case api.EventComplete:
		var c api.CompleteEvent
		if err := ev.Decode(&c); err != nil {
			return err
		}
		cmd.Printf("%sDone%s in %s %s(job %s, %d credits)%s\n",
			colorBold, colorReset, formatDuration(time.Since(start)), colorDim, c.JobID, c.CreditsUsed, colorReset)

	case api.EventError:
		var e api.ErrorEvent
		if err := ev.Decode(&e); err != nil {
			return err
		}
		cmd.Printf("%s✗ %s%s", colorRed, e.Error, colorReset)
		if e.Code != "" {
			cmd.Printf(" %s(%s)%s", colorDim, e.Code, colorReset)
		}
		cmd.Println()
		if e.Refunded {
			cmd.Println("  Credits were refunded.")
		}
		if e.ImageDelivered {
			cmd.Println("  The image above was still delivered.")
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringP("prompt", "p", "", "Text prompt for the image and video (required)")
	generateCmd.Flags().String("negative-prompt", "", "What the video should avoid")
	generateCmd.Flags().String("aspect-ratio", "", "16:9, 9:16 or 1:1")
	generateCmd.Flags().Int("duration", 0, "Video length in seconds")
	generateCmd.Flags().String("save-image", "", "Write the intermediate image to this path")
}
