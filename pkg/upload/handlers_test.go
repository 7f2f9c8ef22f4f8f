package upload

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	apperrors "github.com/lifelogd/lifelogd/internal/errors"
	"github.com/lifelogd/lifelogd/pkg/assetstore"
	"github.com/lifelogd/lifelogd/pkg/metrics"
)

type staticResolver struct {
	device string
	err    error
}

func (s *staticResolver) Resolve(r *http.Request) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.device, nil
}

var _ = Describe("Handler", func() {
	var (
		server    *httptest.Server
		store     *assetstore.Store
		pool      *fakePool
		mr        *miniredis.Miniredis
		root      string
		thumbRoot string
		resolver  *staticResolver
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

		root, err = os.MkdirTemp("", "handler-assets")
		Expect(err).NotTo(HaveOccurred())
		thumbRoot, err = os.MkdirTemp("", "handler-thumbs")
		Expect(err).NotTo(HaveOccurred())
		store, err = assetstore.NewStore(root, thumbRoot, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		pool = &fakePool{}
		assembler := NewAssembler(
			NewSessionStore(rdb), NewJobStore(rdb), store, pool, &fakeSegments{},
			func() int { return 100 }, metrics.NewNop(), zap.NewNop())

		resolver = &staticResolver{device: "D1"}
		handler := NewHandler(assembler, store, resolver, nil, zap.NewNop())
		server = httptest.NewServer(handler.Routes(nil))
	})

	AfterEach(func() {
		server.Close()
		mr.Close()
		os.RemoveAll(root)
		os.RemoveAll(thumbRoot)
	})

	postJSON := func(path string, body any) *http.Response {
		payload, err := json.Marshal(body)
		Expect(err).NotTo(HaveOccurred())
		resp, err := http.Post(server.URL+path, "application/json", bytes.NewReader(payload))
		Expect(err).NotTo(HaveOccurred())
		return resp
	}

	decode := func(resp *http.Response, out any) {
		defer resp.Body.Close()
		Expect(json.NewDecoder(resp.Body).Decode(out)).To(Succeed())
	}

	Describe("POST /init", func() {
		It("should return an uploadId", func() {
			resp := postJSON("/init", map[string]string{
				"device":     "D1",
				"dateFormat": "%Y%m%d_%H%M%S",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var body initResponse
			decode(resp, &body)
			Expect(body.UploadID).NotTo(BeEmpty())
		})

		It("should reject a bad date format with 400", func() {
			resp := postJSON("/init", map[string]string{
				"device":     "D1",
				"dateFormat": "%Q",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("POST /chunk", func() {
		It("should append multipart chunks", func() {
			resp := postJSON("/init", map[string]string{"device": "D1", "dateFormat": "%Y%m%d_%H%M%S"})
			var initBody initResponse
			decode(resp, &initBody)

			buf := new(bytes.Buffer)
			mw := multipart.NewWriter(buf)
			Expect(mw.WriteField("uploadId", initBody.UploadID)).To(Succeed())
			Expect(mw.WriteField("chunkIndex", "0")).To(Succeed())
			Expect(mw.WriteField("totalChunks", "1")).To(Succeed())
			fw, err := mw.CreateFormFile("chunk", "blob")
			Expect(err).NotTo(HaveOccurred())
			fw.Write([]byte("chunk-bytes"))
			Expect(mw.Close()).To(Succeed())

			chunkResp, err := http.Post(server.URL+"/chunk", mw.FormDataContentType(), buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(chunkResp.StatusCode).To(Equal(http.StatusOK))

			var body chunkResponse
			decode(chunkResp, &body)
			Expect(body.OK).To(BeTrue())
			Expect(body.TotalChunks).To(Equal(1))
		})

		It("should 404 for unknown uploadIds", func() {
			buf := new(bytes.Buffer)
			mw := multipart.NewWriter(buf)
			mw.WriteField("uploadId", "ghost")
			mw.WriteField("chunkIndex", "0")
			mw.WriteField("totalChunks", "1")
			fw, _ := mw.CreateFormFile("chunk", "blob")
			fw.Write([]byte("x"))
			mw.Close()

			resp, err := http.Post(server.URL+"/chunk", mw.FormDataContentType(), buf)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("GET /processing-status", func() {
		It("should 404 for unknown jobs", func() {
			resp, err := http.Get(server.URL + "/processing-status/ghost")
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusNotFound))
		})
	})

	Describe("PUT /upload-image", func() {
		putImage := func(filename string, data []byte) *http.Response {
			buf := new(bytes.Buffer)
			mw := multipart.NewWriter(buf)
			fw, err := mw.CreateFormFile("file", filename)
			Expect(err).NotTo(HaveOccurred())
			fw.Write(data)
			Expect(mw.Close()).To(Succeed())

			req, err := http.NewRequest(http.MethodPut, server.URL+"/upload-image", buf)
			Expect(err).NotTo(HaveOccurred())
			req.Header.Set("Content-Type", mw.FormDataContentType())
			resp, err := http.DefaultClient.Do(req)
			Expect(err).NotTo(HaveOccurred())
			return resp
		}

		It("should land the file under the resolved device", func() {
			resp := putImage("20250101_093000.jpg", []byte("jpegbytes"))
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
			Expect(store.Exists("D1", "2025-01-01/20250101_093000.jpg")).To(BeTrue())
			Expect(pool.enqueued()).To(HaveLen(1))
		})

		It("should 401 when device resolution fails", func() {
			resolver.err = apperrors.NewAuthError("missing X-Device-ID header")
			resp := putImage("20250101_093000.jpg", []byte("x"))
			Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		})

		It("should 400 for a non-canonical filename", func() {
			resp := putImage("holiday.jpg", []byte("x"))
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /check-image", func() {
		It("should report existence by timestamp", func() {
			_, err := store.Put("D1", "2025-01-01/20250101_093000.jpg", []byte("x"))
			Expect(err).NotTo(HaveOccurred())

			resp, err := http.Get(server.URL + "/check-image?timestamp=1735723800000")
			Expect(err).NotTo(HaveOccurred())
			var body checkImageResponse
			decode(resp, &body)
			Expect(body.Exists).To(BeTrue())
		})

		It("should report missing images", func() {
			resp, err := http.Get(server.URL + "/check-image?timestamp=1735723800000")
			Expect(err).NotTo(HaveOccurred())
			var body checkImageResponse
			decode(resp, &body)
			Expect(body.Exists).To(BeFalse())
		})
	})

	Describe("POST /check-all-images-uploaded", func() {
		It("should return the missing filenames", func() {
			_, err := store.Put("D1", "2025-01-01/20250101_093000.jpg", []byte("x"))
			Expect(err).NotTo(HaveOccurred())

			resp := postJSON("/check-all-images-uploaded", map[string]any{
				"date":     "2025-01-01",
				"allFiles": []string{"20250101_093000.jpg", "20250101_093100.jpg"},
			})
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var missing []string
			decode(resp, &missing)
			Expect(missing).To(Equal([]string{"20250101_093100.jpg"}))
		})
	})
})

var _ = Describe("atoi64", func() {
	It("should parse digits and reject garbage", func() {
		Expect(atoi64("12345")).To(Equal(int64(12345)))
		Expect(atoi64("12a")).To(Equal(int64(12)))
		Expect(atoi64("")).To(BeZero())
	})
})

var _ = Describe("distinctDates", func() {
	It("should deduplicate day directories in order", func() {
		dates := distinctDates([]string{
			"2025-01-01/a.jpg", "2025-01-01/b.jpg", "2025-01-02/c.jpg",
		})
		Expect(dates).To(Equal([]string{"2025-01-01", "2025-01-02"}))
	})
})
