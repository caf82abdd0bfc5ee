package util_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"io"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/netbirdio/otaclient/util"
)

type failingReader struct {
	data []byte
	read bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if f.read {
		return 0, errors.New("connection reset")
	}
	f.read = true
	return copy(p, f.data), nil
}

var _ = Describe("Client", func() {

	var (
		tmpDir string
	)

	type TestConfig struct {
		SomeMap   map[string]string
		SomeArray []string
		SomeField int
	}

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "otaclient_util_test_tmp_*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		err := os.RemoveAll(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	Describe("Config", func() {
		Context("in JSON format", func() {
			It("should be written and read successfully", func() {

				m := make(map[string]string)
				m["key1"] = "value1"
				m["key2"] = "value2"

				arr := []string{"value1", "value2"}

				written := &TestConfig{
					SomeMap:   m,
					SomeArray: arr,
					SomeField: 99,
				}

				err := util.WriteJson(context.Background(), tmpDir+"/testconfig.json", written)
				Expect(err).NotTo(HaveOccurred())

				read, err := util.ReadJson(tmpDir+"/testconfig.json", &TestConfig{})
				Expect(err).NotTo(HaveOccurred())
				Expect(read).NotTo(BeNil())
				Expect(read.(*TestConfig).SomeMap["key1"]).To(BeEquivalentTo(written.SomeMap["key1"]))
				Expect(read.(*TestConfig).SomeMap["key2"]).To(BeEquivalentTo(written.SomeMap["key2"]))
				Expect(read.(*TestConfig).SomeArray).To(ContainElements(arr))
				Expect(read.(*TestConfig).SomeField).To(BeEquivalentTo(written.SomeField))
			})
		})
	})

	Describe("Writing a stream atomically", func() {
		Context("when the stream completes", func() {
			It("should rename the data onto the destination and hash it", func() {
				data := []byte("bundle contents")
				dst := filepath.Join(tmpDir, "asset.bundle")

				h := sha256.New()
				n, err := util.WriteStreamAtomically(context.Background(), dst, bytes.NewReader(data), h)
				Expect(err).NotTo(HaveOccurred())
				Expect(n).To(BeEquivalentTo(len(data)))

				written, err := os.ReadFile(dst)
				Expect(err).NotTo(HaveOccurred())
				Expect(written).To(Equal(data))

				expected := sha256.Sum256(data)
				Expect(h.Sum(nil)).To(Equal(expected[:]))

				entries, err := os.ReadDir(tmpDir)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(HaveLen(1))
			})
		})

		Context("when the stream fails midway", func() {
			It("should leave neither the destination nor a temp file behind", func() {
				dst := filepath.Join(tmpDir, "asset.bundle")

				_, err := util.WriteStreamAtomically(context.Background(), dst, &failingReader{data: []byte("partial")}, nil)
				Expect(err).To(HaveOccurred())
				Expect(util.FileExists(dst)).To(BeFalse())

				entries, err := os.ReadDir(tmpDir)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(BeEmpty())
			})
		})

		Context("when the destination already exists", func() {
			It("should keep the old content if the new stream fails", func() {
				dst := filepath.Join(tmpDir, "asset.bundle")
				Expect(os.WriteFile(dst, []byte("old"), 0600)).To(Succeed())

				_, err := util.WriteStreamAtomically(context.Background(), dst, &failingReader{data: []byte("new")}, nil)
				Expect(err).To(HaveOccurred())

				content, err := os.ReadFile(dst)
				Expect(err).NotTo(HaveOccurred())
				Expect(content).To(Equal([]byte("old")))
			})
		})

		Context("when the context is already cancelled", func() {
			It("should not create anything", func() {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()

				dst := filepath.Join(tmpDir, "asset.bundle")
				_, err := util.WriteStreamAtomically(ctx, dst, io.LimitReader(bytes.NewReader(nil), 0), nil)
				Expect(err).To(HaveOccurred())
				Expect(util.FileExists(dst)).To(BeFalse())
			})
		})
	})

	Describe("Handle config file without full path", func() {
		Context("config file handling", func() {
			It("should be successful", func() {
				written := &TestConfig{
					SomeField: 123,
				}
				cfgFile := "test_cfg.json"
				defer os.Remove(cfgFile)

				err := util.WriteJson(context.Background(), cfgFile, written)
				Expect(err).NotTo(HaveOccurred())

				read, err := util.ReadJson(cfgFile, &TestConfig{})
				Expect(err).NotTo(HaveOccurred())
				Expect(read).NotTo(BeNil())
			})
		})
	})
})
