package video

import (
	"fmt"
	"math"
)

// HeadDirection is the estimated yaw of a single visible face.
type HeadDirection int

const (
	Straight HeadDirection = iota
	Left
	Right
)

// String returns the direction name shown to the candidate.
func (d HeadDirection) String() string {
	switch d {
	case Left:
		return "left"
	case Right:
		return "right"
	default:
		return "straight"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (d HeadDirection) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *HeadDirection) UnmarshalText(b []byte) error {
	for dir := Straight; dir <= Right; dir++ {
		if dir.String() == string(b) {
			*d = dir
			return nil
		}
	}
	return fmt.Errorf("video: unknown head direction %q", b)
}

// Keypoint names produced by the face detector.
const (
	KeypointNose     = "noseTip"
	KeypointLeftEye  = "leftEye"
	KeypointRightEye = "rightEye"
)

// Keypoint is one facial landmark in frame pixels.
type Keypoint struct {
	Name string  `json:"name" cbor:"name"`
	X    float64 `json:"x" cbor:"x"`
	Y    float64 `json:"y" cbor:"y"`
}

// FaceObservation is the detector output for one frame.
// Keypoints belong to the first face and are only meaningful when
// FaceCount is 1.
type FaceObservation struct {
	FaceCount int        `json:"face_count" cbor:"face_count"`
	Keypoints []Keypoint `json:"keypoints,omitempty" cbor:"keypoints,omitempty"`
}

// EstimateHeadDirection derives the head direction from nose and eye
// keypoints. The ratio is the horizontal nose offset from the eye midpoint,
// normalised by the eye distance. A ratio above threshold is Left, below
// -threshold is Right. Missing keypoints or coincident eyes give Straight.
func EstimateHeadDirection(kps []Keypoint, threshold float64) (HeadDirection, float64) {
	var (
		nose, left, right          Keypoint
		hasNose, hasLeft, hasRight bool
	)
	for _, kp := range kps {
		switch kp.Name {
		case KeypointNose:
			nose, hasNose = kp, true
		case KeypointLeftEye:
			left, hasLeft = kp, true
		case KeypointRightEye:
			right, hasRight = kp, true
		}
	}
	if !hasNose || !hasLeft || !hasRight {
		return Straight, 0
	}

	dist := math.Abs(left.X - right.X)
	if dist == 0 {
		return Straight, 0
	}

	ratio := (nose.X - (left.X+right.X)/2) / dist
	switch {
	case ratio > threshold:
		return Left, ratio
	case ratio < -threshold:
		return Right, ratio
	default:
		return Straight, ratio
	}
}
