package dotdir_test

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/counselhq/counsel/pkg/dotdir"
)

var _ = Describe("dotdir.Manager last case", func() {
	var tmpDir string
	var m *dotdir.Manager

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "dotdir-test-*")
		Expect(err).NotTo(HaveOccurred())
		m = dotdir.NewManager()
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	Describe("LoadLastCase", func() {
		It("returns nil when no state file exists", func() {
			state, err := m.LoadLastCase(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(BeNil())
		})

		It("loads a valid state", func() {
			data := `{"uid":"K8hPq2","title":"Lease dispute"}`
			err := os.WriteFile(filepath.Join(tmpDir, "lastcase.json"), []byte(data), 0o644)
			Expect(err).NotTo(HaveOccurred())

			state, err := m.LoadLastCase(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(state).NotTo(BeNil())
			Expect(state.UID).To(Equal("K8hPq2"))
			Expect(state.Title).To(Equal("Lease dispute"))
		})

		It("returns error for invalid JSON", func() {
			err := os.WriteFile(filepath.Join(tmpDir, "lastcase.json"), []byte("not json"), 0o644)
			Expect(err).NotTo(HaveOccurred())

			state, err := m.LoadLastCase(tmpDir)
			Expect(err).To(HaveOccurred())
			Expect(state).To(BeNil())
		})
	})

	Describe("SaveLastCase", func() {
		It("persists state to disk", func() {
			state := &dotdir.LastCaseState{UID: "Xy12ab", Title: "Employment claim"}

			Expect(m.SaveLastCase(state, tmpDir)).To(Succeed())

			loaded, err := m.LoadLastCase(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).NotTo(BeNil())
			Expect(loaded.UID).To(Equal("Xy12ab"))
			Expect(loaded.Title).To(Equal("Employment claim"))
		})

		It("rejects nil state", func() {
			Expect(m.SaveLastCase(nil, tmpDir)).NotTo(Succeed())
		})
	})

	Describe("ClearLastCase", func() {
		It("removes an existing state file", func() {
			state := &dotdir.LastCaseState{UID: "Xy12ab", Title: "Employment claim"}
			Expect(m.SaveLastCase(state, tmpDir)).To(Succeed())

			Expect(m.ClearLastCase(tmpDir)).To(Succeed())

			loaded, err := m.LoadLastCase(tmpDir)
			Expect(err).NotTo(HaveOccurred())
			Expect(loaded).To(BeNil())
		})

		It("is a no-op when no state file exists", func() {
			Expect(m.ClearLastCase(tmpDir)).To(Succeed())
		})
	})
})
