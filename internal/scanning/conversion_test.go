package scanning

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("prepareImageData", func() {
	var img *image.RGBA

	BeforeEach(func() {
		img = image.NewRGBA(image.Rect(0, 0, 4, 4))
		img.Set(1, 1, color.RGBA{R: 255, A: 255})
	})

	When("the capture is already PNG", func() {
		It("should pass it through untouched", func() {
			var buf bytes.Buffer
			Expect(png.Encode(&buf, img)).To(Succeed())
			out, err := prepareImageData(buf.Bytes(), "image/png")
			Expect(err).NotTo(HaveOccurred())
			Expect(out).To(Equal(buf.Bytes()))
		})
	})

	When("the capture is JPEG", func() {
		It("should convert it to PNG", func() {
			var buf bytes.Buffer
			Expect(jpeg.Encode(&buf, img, nil)).To(Succeed())
			out, err := prepareImageData(buf.Bytes(), " IMAGE/JPEG ")
			Expect(err).NotTo(HaveOccurred())
			_, format, err := image.Decode(bytes.NewReader(out))
			Expect(err).NotTo(HaveOccurred())
			Expect(format).To(Equal("png"))
		})
	})

	When("the content type is missing", func() {
		It("should assume JPEG", func() {
			var buf bytes.Buffer
			Expect(jpeg.Encode(&buf, img, nil)).To(Succeed())
			_, err := prepareImageData(buf.Bytes(), "")
			Expect(err).NotTo(HaveOccurred())
		})
	})

	When("the data is not an image", func() {
		It("returns the error", func() {
			_, err := prepareImageData([]byte("garbage"), "image/jpeg")
			Expect(err).To(MatchError(ContainSubstring("unsupported image format")))
		})
	})
})

var _ = Describe("isHEIC", func() {
	It("should detect the ftyp brand", func() {
		data := append([]byte{0, 0, 0, 24}, []byte("ftypheic0000")...)
		Expect(isHEIC(data, "application/octet-stream")).To(BeTrue())
	})

	It("should trust the MIME type", func() {
		Expect(isHEIC(nil, "image/heif")).To(BeTrue())
	})

	It("should reject other data", func() {
		Expect(isHEIC([]byte("not an image at all"), "image/jpeg")).To(BeFalse())
	})
})
