package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/umran/mqworker"
	"github.com/urfave/cli/v2"
)

// runLoadConfig runs loadConfig inside a command of an app carrying the
// global flags, as the real subcommands do.
func runLoadConfig(t *testing.T, args ...string) (mqworker.Config, error) {
	t.Helper()

	var (
		config  mqworker.Config
		loadErr error
	)
	app := &cli.App{
		Name:  "mqworker",
		Flags: globalFlags(),
		Commands: []*cli.Command{{
			Name: "check",
			Action: func(c *cli.Context) error {
				config, loadErr = loadConfig(c)
				return nil
			},
		}},
	}

	require.NoError(t, app.Run(append([]string{"mqworker"}, args...)))
	return config, loadErr
}

func TestLoadConfigKeepsEnvironmentWhenFlagsCompleteIt(t *testing.T) {
	t.Setenv("AWS_REGION", "eu-west-1")
	t.Setenv("MQ_VISIBILITY_TIMEOUT", "600")
	t.Setenv("MQ_PUBLISH_MAX_RETRIES", "4")
	t.Setenv("MQ_SLEEP_IF_NO_MESSAGES", "2s")

	config, err := runLoadConfig(t, "check")
	require.NoError(t, err)

	assert.Equal(t, "eu-west-1", config.AWSRegion)
	assert.Equal(t, 600, config.VisibilityTimeout)
	assert.Equal(t, 4, config.PublishMaxRetries)
	assert.Equal(t, 2*time.Second, config.SleepIfNoMessages)
}

func TestLoadConfigFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("MQ_PROVIDER", "aws")
	t.Setenv("MQ_AWS_REGION", "us-east-1")
	t.Setenv("MQ_MAX_NUMBER_OF_MESSAGES", "5")

	config, err := runLoadConfig(t, "--provider", "gcloud", "--gcloud-project", "payments", "check")
	require.NoError(t, err)

	assert.Equal(t, mqworker.ProviderGCloud, config.Provider)
	assert.Equal(t, "payments", config.GCloudProject)
	assert.Equal(t, 5, config.MaxNumberOfMessages)
}

func TestLoadConfigReportsMalformedEnvironment(t *testing.T) {
	t.Setenv("MQ_AWS_REGION", "us-east-1")
	t.Setenv("MQ_WAIT_TIME_SECONDS", "abc")

	_, err := runLoadConfig(t, "check")
	assert.ErrorIs(t, err, mqworker.ErrConfiguration)
	assert.Contains(t, err.Error(), "parse environment")
}

func TestLoadConfigValidatesAfterOverrides(t *testing.T) {
	t.Setenv("MQ_PROVIDER", "gcloud")

	_, err := runLoadConfig(t, "check")
	assert.ErrorIs(t, err, mqworker.ErrConfiguration)
}
