package util_test

import (
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/spf13/cobra"

	"github.com/netbirdio/otaclient/util"
)

var _ = Describe("Flags", func() {

	var (
		root        *cobra.Command
		run         *cobra.Command
		manifestURL string
		launchWait  time.Duration
		daemon      bool
		envSet      []string
	)

	setEnv := func(name, value string) {
		Expect(os.Setenv(name, value)).To(Succeed())
		envSet = append(envSet, name)
	}

	AfterEach(func() {
		for _, name := range envSet {
			_ = os.Unsetenv(name)
		}
		envSet = nil
	})

	BeforeEach(func() {
		manifestURL, launchWait, daemon = "", 0, false
		root = &cobra.Command{Use: "otaclient"}
		root.PersistentFlags().StringVar(&manifestURL, "manifest-url", "", "")
		run = &cobra.Command{Use: "run", Run: func(cmd *cobra.Command, args []string) {
			util.SetFlagsFromEnvVars(cmd)
		}}
		run.Flags().DurationVar(&launchWait, "launch-wait", 0, "")
		run.Flags().BoolVar(&daemon, "daemon", false, "")
		root.AddCommand(run)
	})

	Describe("environment names", func() {
		It("should upper-case the flag and add the prefix", func() {
			Expect(util.FlagEnvName("manifest-url")).To(Equal("OTA_MANIFEST_URL"))
		})
	})

	Describe("setting flags from the environment", func() {
		It("should fill inherited and local flags", func() {
			setEnv("OTA_MANIFEST_URL", "https://updates.example.com/manifest")
			setEnv("OTA_DAEMON", "true")

			root.SetArgs([]string{"run"})
			Expect(root.Execute()).To(Succeed())

			Expect(manifestURL).To(Equal("https://updates.example.com/manifest"))
			Expect(daemon).To(BeTrue())
			Expect(run.Flag("daemon").Changed).To(BeTrue())
		})

		It("should keep values given on the command line", func() {
			setEnv("OTA_LAUNCH_WAIT", "5s")
			setEnv("OTA_MANIFEST_URL", "https://env.example.com/manifest")

			root.SetArgs([]string{"run", "--manifest-url", "https://cli.example.com/manifest"})
			Expect(root.Execute()).To(Succeed())

			Expect(manifestURL).To(Equal("https://cli.example.com/manifest"))
			Expect(launchWait).To(Equal(5 * time.Second))
		})

		It("should ignore values the flag can't parse", func() {
			setEnv("OTA_LAUNCH_WAIT", "soon")

			root.SetArgs([]string{"run"})
			Expect(root.Execute()).To(Succeed())

			Expect(launchWait).To(BeZero())
			Expect(run.Flag("launch-wait").Changed).To(BeFalse())
		})
	})
})
