package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/creativeprojects/go-selfupdate"
	"github.com/spf13/cobra"
)

// githubRepoSlug is where releases are published.
var githubRepoSlug = "clusterproxy/clusterproxy"

// release is the part of a published release the command looks at.
type release interface {
	LessOrEqual(version string) bool
	Version() string
}

// updater looks up and installs releases.
type updater interface {
	DetectLatest(ctx context.Context, slug string) (release, bool, error)
	UpdateTo(ctx context.Context, rel release) error
}

// releases is replaced in tests.
var releases updater = githubUpdater{}

type githubUpdater struct{}

func (githubUpdater) DetectLatest(ctx context.Context, slug string) (release, bool, error) {
	latest, found, err := selfupdate.DetectLatest(ctx, selfupdate.ParseSlug(slug))
	if err != nil || !found {
		return nil, found, err
	}
	return latest, true, nil
}

func (githubUpdater) UpdateTo(ctx context.Context, rel release) error {
	latest, ok := rel.(*selfupdate.Release)
	if !ok {
		return errors.New("unsupported release type")
	}
	exe, err := selfupdate.ExecutablePath()
	if err != nil {
		return fmt.Errorf("could not locate executable path: %w", err)
	}
	return selfupdate.UpdateTo(ctx, latest.AssetURL, latest.AssetName, exe)
}

func newSelfUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "self-update",
		Short: "Update clusterproxy to the latest version",
		Long: `Checks for the latest release of clusterproxy on GitHub and
replaces the running binary with it when a newer version is available.`,
		Args: cobra.NoArgs,
		RunE: runSelfUpdate,
	}
}

func runSelfUpdate(cmd *cobra.Command, args []string) error {
	currentVersion := rootCmd.Version
	if currentVersion == "" || currentVersion == "dev" {
		return fmt.Errorf("cannot self-update a development version")
	}

	ctx := context.Background()
	if cmd.Context() != nil {
		ctx = cmd.Context()
	}
	out := cmd.OutOrStdout()

	latest, found, err := releases.DetectLatest(ctx, githubRepoSlug)
	if err != nil {
		return fmt.Errorf("error occurred while detecting version: %w", err)
	}
	if !found {
		return fmt.Errorf("latest version for %s could not be found", githubRepoSlug)
	}

	if latest.LessOrEqual(currentVersion) {
		fmt.Fprintf(out, "Current version (%s) is the latest\n", currentVersion)
		return nil
	}

	if err := releases.UpdateTo(ctx, latest); err != nil {
		return fmt.Errorf("error occurred while updating binary: %w", err)
	}

	fmt.Fprintf(out, "Successfully updated to version %s\n", latest.Version())
	return nil
}
