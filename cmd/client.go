package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/metal-toolbox/firmware-registry/internal/client"
)

var (
	registryURL   string
	deviceVersion string
	firmwareFile  string
	uploadVersion string
	outputFile    string
)

var cmdCheck = &cobra.Command{
	Use:   "check",
	Short: "Ask the registry whether a device version should update",
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient()

		resp, err := c.Check(cmd.Context(), deviceVersion)
		if err != nil {
			log.Fatal(err)
		}

		printJSON(resp)
	},
}

var cmdUpload = &cobra.Command{
	Use:   "upload",
	Short: "Upload a firmware binary as the current firmware",
	Run: func(cmd *cobra.Command, args []string) {
		c := newClient()

		fh, err := os.Open(firmwareFile)
		if err != nil {
			log.Fatal(err)
		}
		defer fh.Close()

		resp, err := c.Upload(cmd.Context(), filepath.Base(firmwareFile), fh, uploadVersion)
		if err != nil {
			log.Fatal(err)
		}

		printJSON(resp)
	},
}

var cmdDownload = &cobra.Command{
	Use:   "download",
	Short: "Download and verify the current firmware",
	Run: func(cmd *cobra.Command, args []string) {
		if err := download(cmd.Context(), newClient()); err != nil {
			log.Fatal(err)
		}
	},
}

func download(ctx context.Context, c *client.Client) error {
	fh, err := os.Create(outputFile)
	if err != nil {
		return err
	}

	downloaded, err := c.Download(ctx, fh)
	if err != nil {
		fh.Close()
		_ = os.Remove(outputFile)

		return err
	}

	if err := fh.Close(); err != nil {
		return err
	}

	printJSON(downloaded)

	return nil
}

func newClient() *client.Client {
	c, err := client.New(registryURL)
	if err != nil {
		log.Fatal(err)
	}

	return c
}

func printJSON(v interface{}) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatal(err)
	}

	fmt.Println(string(b))
}

func init() {
	for _, c := range []*cobra.Command{cmdCheck, cmdUpload, cmdDownload} {
		c.PersistentFlags().StringVar(&registryURL, "url", "http://localhost:3000", "Firmware registry base URL")
		rootCmd.AddCommand(c)
	}

	cmdCheck.PersistentFlags().StringVar(&deviceVersion, "device-version", "", "The firmware version the device runs")

	cmdUpload.PersistentFlags().StringVarP(&firmwareFile, "file", "f", "", "Firmware binary to upload")
	cmdUpload.PersistentFlags().StringVar(&uploadVersion, "version", "", "Version tag of the uploaded firmware")

	cmdDownload.PersistentFlags().StringVarP(&outputFile, "output", "o", "firmware.bin", "File the firmware is written to")

	for _, flag := range []string{"file", "version"} {
		if err := cmdUpload.MarkPersistentFlagRequired(flag); err != nil {
			log.Fatal(err)
		}
	}
}
