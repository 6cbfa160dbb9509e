package runner

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scholarai/scholarai/e2e/framework/spec"
)

var _ = Describe("stepKind", func() {
	DescribeTable("buckets actions for step metrics",
		func(action, want string) {
			Expect(stepKind(action)).To(Equal(want))
		},
		Entry("assertion", spec.ActionAssertVisible, "assertion"),
		Entry("condition wait", spec.ActionWaitForCondition, "assertion"),
		Entry("browser action", spec.ActionClick, "browser"),
		Entry("api request", spec.ActionHTTPRequest, "http"),
		Entry("user provisioning", spec.ActionProvisionUser, "http"),
		Entry("sleep", spec.ActionSleep, "control"),
		Entry("mixed case", " Sleep ", "control"),
	)
})
