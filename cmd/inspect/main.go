package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"image"
	"image/png"
	"io"
	"log"
	"math/bits"
	"os"
	"time"

	"github.com/vitali-fedulov/imagehash2"
	"github.com/vitali-fedulov/images4"

	"lipsync-service/internal"
	"lipsync-service/internal/face"
	"lipsync-service/internal/inference"
	"lipsync-service/internal/ingest"
	"lipsync-service/internal/logging"
)

const (
	hashNumBuckets = 4
	hashEpsilon    = 0.25
)

func main() {
	videoPath := flag.String("video", "", "Path to the video to inspect")
	detectEvery := flag.Int("detect-every", internal.DefaultConfig().DetectEvery, "Run the face detector on every Nth frame")
	sidecar := flag.String("sidecar", "", "Inference sidecar URL (defaults to the built-in skin detector)")
	thumb := flag.String("thumb", "", "Write the first frame as PNG here")
	flag.Parse()

	if *videoPath == "" || *detectEvery <= 0 {
		log.Fatal("Usage: inspect -video <path> [-detect-every N] [-sidecar URL] [-thumb out.png]")
	}

	var detector ingest.FaceDetector = face.NewSkinDetector()
	if *sidecar != "" {
		detector = inference.NewClient(*sidecar, time.Minute)
	}
	ctx := context.Background()
	decoder := ingest.NewFFmpegDecoder(logging.NewWriter(os.Stderr))

	fmt.Printf("Inspecting %s\n\n", *videoPath)

	// 1. File hash
	sum, err := fileHash(*videoPath)
	if err != nil {
		log.Fatalf("Failed to hash video: %v", err)
	}
	fmt.Printf("1. FILE:\n")
	fmt.Printf("   SHA256: %s\n\n", sum)

	// 2. Container probe
	info, err := decoder.Probe(ctx, *videoPath)
	if err != nil {
		log.Fatalf("Failed to probe video: %v", err)
	}
	fmt.Printf("2. PROBE:\n")
	fmt.Printf("   Container:  %s\n", info.Container)
	fmt.Printf("   Codec:      %s\n", info.Codec)
	fmt.Printf("   Resolution: %dx%d\n", info.Width, info.Height)
	if info.Rotation != 0 {
		fmt.Printf("   Rotation:   %d°\n", info.Rotation)
	}
	fmt.Printf("   Frame rate: %.3f fps\n", info.FPS)
	fmt.Printf("   Duration:   %s\n", info.Duration.Round(time.Millisecond))
	fmt.Printf("   Audio:      %v\n\n", info.HasAudio)

	if !info.HasVideo {
		log.Fatal("No video stream")
	}

	// 3. Face coverage
	fmt.Printf("3. FACE DETECTION (every %d frames):\n", *detectEvery)
	start := time.Now()
	var first, last *image.RGBA
	n, sampled, found := 0, 0, 0
	err = decoder.Decode(ctx, *videoPath, info, func(img *image.RGBA) error {
		if first == nil {
			first = cloneRGBA(img)
			last = image.NewRGBA(img.Bounds())
		}
		copy(last.Pix, img.Pix)
		i := n
		n++
		if i%*detectEvery != 0 {
			return nil
		}
		box, err := detector.Detect(ctx, img)
		if err != nil {
			return fmt.Errorf("detector failed on frame %d: %w", i, err)
		}
		sampled++
		if box == nil {
			fmt.Printf("   #%-5d no face\n", i)
			return nil
		}
		found++
		fmt.Printf("   #%-5d x=%d y=%d w=%d h=%d\n", i, box.X, box.Y, box.W, box.H)
		return nil
	})
	if err != nil {
		log.Fatalf("Failed to decode video: %v", err)
	}
	if n == 0 {
		log.Fatal("No decodable frames")
	}
	coverage := float64(found) / float64(sampled)
	fmt.Printf("   Decoded %d frames in %s\n", n, time.Since(start).Round(time.Millisecond))
	fmt.Printf("   Coverage: %d of %d (%.0f%%)\n", found, sampled, coverage*100)
	if coverage < internal.DefaultConfig().MinFaceFraction {
		fmt.Printf("   Result: ✗ would be rejected (no face detected)\n\n")
	} else {
		fmt.Printf("   Result: ✓ usable\n\n")
	}

	// 4. How much the picture moves between first and last frame
	h1 := imagehash2.CentralHash9(images4.Icon(first), hashEpsilon, hashNumBuckets)
	h2 := imagehash2.CentralHash9(images4.Icon(last), hashEpsilon, hashNumBuckets)
	dist := bits.OnesCount64(h1 ^ h2)
	fmt.Printf("4. FIRST/LAST FRAME:\n")
	fmt.Printf("   pHash: %016x / %016x\n", h1, h2)
	fmt.Printf("   Hamming Distance: %d bits\n", dist)
	if images4.Similar(images4.Icon(first), images4.Icon(last)) {
		fmt.Printf("   Result: static shot\n")
	} else {
		fmt.Printf("   Result: scene changes\n")
	}

	if *thumb != "" {
		if err := writePNG(*thumb, first); err != nil {
			log.Fatalf("Failed to write thumbnail: %v", err)
		}
		fmt.Printf("\nThumbnail written to %s\n", *thumb)
	}
}

func fileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func cloneRGBA(img *image.RGBA) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	return out
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
