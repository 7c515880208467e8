package frame_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestFrameSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "frame codec suite")
}
